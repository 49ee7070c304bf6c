// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package rollback

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// TargetType is the kind of versioned artifact a rollback switches.
type TargetType string

const (
	TargetRule     TargetType = "rule"
	TargetModel    TargetType = "model"
	TargetConfig   TargetType = "config"
	TargetFirmware TargetType = "firmware"
)

// Target identifies one versioned artifact.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

func (t Target) String() string {
	return string(t.Type) + "/" + t.ID
}

// Request asks for a target to be switched from one version to another.
type Request struct {
	TriggerID   string     `json:"triggerId,omitempty" validate:"omitempty,max=128"`
	TargetType  TargetType `json:"targetType" validate:"required,oneof=rule model config firmware"`
	TargetID    string     `json:"targetId" validate:"required,notblank,max=256"`
	FromVersion string     `json:"fromVersion" validate:"required,notblank,max=64"`
	ToVersion   string     `json:"toVersion" validate:"required,notblank,max=64,nefield=FromVersion"`
	Reason      string     `json:"reason,omitempty" validate:"max=1024"`
}

// Target returns the artifact the request switches.
func (r *Request) Target() Target {
	return Target{Type: r.TargetType, ID: r.TargetID}
}

// ParamsSchema is the JSON schema the version-rollback saga validates its
// params against on submission.
const ParamsSchema = `{
  "type": "object",
  "required": ["targetType", "targetId", "fromVersion", "toVersion"],
  "properties": {
    "triggerId": {"type": "string", "maxLength": 128},
    "targetType": {"enum": ["rule", "model", "config", "firmware"]},
    "targetId": {"type": "string", "minLength": 1, "maxLength": 256},
    "fromVersion": {"type": "string", "minLength": 1, "maxLength": 64},
    "toVersion": {"type": "string", "minLength": 1, "maxLength": 64},
    "reason": {"type": "string", "maxLength": 1024}
  }
}`

var (
	requestValidator     *validator.Validate
	requestValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	requestValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("notblank", validateNotBlank)
		requestValidator = v
	})
	return requestValidator
}

func validateNotBlank(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return true
	}
	return strings.TrimSpace(fl.Field().String()) != ""
}

// Validate checks the request and returns a VALIDATION_ERROR SagaError
// listing every violated field.
func (r *Request) Validate() error {
	err := getValidator().Struct(r)
	if err == nil {
		return nil
	}
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return saga.NewValidationError("invalid rollback request", err)
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, renderFieldError(fe))
	}
	return saga.NewValidationError(strings.Join(parts, "; "), err)
}

func renderFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: is required", field)
	case "notblank":
		return fmt.Sprintf("%s: must not be blank", field)
	case "max":
		return fmt.Sprintf("%s: must be at most %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s]", field, fe.Param())
	case "nefield":
		return fmt.Sprintf("%s: must differ from fromVersion", field)
	default:
		return fmt.Sprintf("%s: validation '%s' failed", field, fe.Tag())
	}
}
