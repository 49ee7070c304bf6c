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

// Package registry maps saga names to their ordered step definitions.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// Definition is a registered saga type. It is immutable once registered.
type Definition struct {
	Name         string
	RegisteredAt time.Time

	steps  []saga.StepDefinition
	schema *jsonschema.Schema
}

// Steps returns a copy of the ordered step list.
func (d *Definition) Steps() []saga.StepDefinition {
	out := make([]saga.StepDefinition, len(d.steps))
	copy(out, d.steps)
	return out
}

// Step returns the step at index i.
func (d *Definition) Step(i int) (saga.StepDefinition, bool) {
	if i < 0 || i >= len(d.steps) {
		return saga.StepDefinition{}, false
	}
	return d.steps[i], true
}

// Len returns the number of steps.
func (d *Definition) Len() int {
	return len(d.steps)
}

// HasSchema reports whether params are validated for this definition.
func (d *Definition) HasSchema() bool {
	return d.schema != nil
}

// ValidateParams checks params against the definition's JSON schema, if any.
func (d *Definition) ValidateParams(params saga.Params) error {
	raw, err := params.MarshalJSON()
	if err != nil {
		return saga.NewValidationError("encode params", err)
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return saga.NewValidationError("params are not valid JSON", err)
	}
	if d.schema == nil {
		return nil
	}
	if err := d.schema.Validate(doc); err != nil {
		return saga.NewValidationError(fmt.Sprintf("params rejected by %s schema", d.Name), err)
	}
	return nil
}

type registerOptions struct {
	override bool
	schema   string
}

// Option configures Register.
type Option func(*registerOptions)

// WithOverride replaces an existing definition of the same name instead of failing.
func WithOverride() Option {
	return func(o *registerOptions) { o.override = true }
}

// WithParamsSchema attaches a JSON schema that every submission's params must satisfy.
func WithParamsSchema(schema string) Option {
	return func(o *registerOptions) { o.schema = schema }
}

// Registry is safe for concurrent Resolve calls.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
	log  *zap.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
		log:  logger.GetLogger().Named("registry"),
	}
}

// Register adds a saga definition. Re-registering a name fails with a
// DuplicateDefinition error unless WithOverride is given.
func (r *Registry) Register(name string, steps []saga.StepDefinition, opts ...Option) error {
	o := registerOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	name = strings.TrimSpace(name)
	if err := validateSteps(name, steps); err != nil {
		return err
	}

	def := &Definition{
		Name:         name,
		RegisteredAt: time.Now(),
		steps:        make([]saga.StepDefinition, len(steps)),
	}
	copy(def.steps, steps)

	if o.schema != "" {
		schema, err := compileSchema(name, o.schema)
		if err != nil {
			return err
		}
		def.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[name]; exists {
		if !o.override {
			return saga.NewDuplicateDefinitionError(name)
		}
		r.log.Info("replacing saga definition", zap.String("saga", name), zap.Int("steps", len(steps)))
	} else {
		r.log.Info("registered saga definition", zap.String("saga", name), zap.Int("steps", len(steps)))
	}
	r.defs[name] = def
	return nil
}

// Resolve returns the definition registered under name.
func (r *Registry) Resolve(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, saga.NewDefinitionNotFoundError(name)
	}
	return def, nil
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

func validateSteps(name string, steps []saga.StepDefinition) error {
	if name == "" {
		return saga.NewValidationError("saga name is required", nil)
	}
	if len(steps) == 0 {
		return saga.NewValidationError(fmt.Sprintf("saga %q has no steps", name), nil)
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return saga.NewValidationError(fmt.Sprintf("saga %q step %d has no name", name, i), nil)
		}
		if _, dup := seen[step.Name]; dup {
			return saga.NewValidationError(fmt.Sprintf("saga %q declares step %q twice", name, step.Name), nil)
		}
		seen[step.Name] = struct{}{}
		if step.Forward == nil {
			return saga.NewValidationError(fmt.Sprintf("saga %q step %q has no forward action", name, step.Name), nil)
		}
		if step.MaxRetries < 0 {
			return saga.NewValidationError(fmt.Sprintf("saga %q step %q has negative MaxRetries", name, step.Name), nil)
		}
		if step.Timeout < 0 {
			return saga.NewValidationError(fmt.Sprintf("saga %q step %q has negative Timeout", name, step.Name), nil)
		}
	}
	return nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	url := "mem://sagas/" + name + "/params.json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, saga.NewValidationError(fmt.Sprintf("saga %q params schema is not valid JSON", name), err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, saga.NewValidationError(fmt.Sprintf("saga %q params schema does not compile", name), err)
	}
	return compiled, nil
}
