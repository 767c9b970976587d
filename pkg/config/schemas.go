package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaSuffix marks schema sources in error positions.
const schemaSuffix = ".schema.cue"

// SchemaRegistry manages the CUE definitions manifests are checked against.
// All values validated by the registry must come from its Context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in "workload" and
// "manifest" schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("workload", builtinSchema, "#Workload"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("manifest", builtinSchema, "#Manifest"); err != nil {
		panic(err)
	}
	return sr
}

// Context returns the CUE context values must be built in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+schemaSuffix))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify returns val unified with the named schema and validated as
// concrete data.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchema = `
#Name: =~"^[A-Za-z0-9_-]+$"

#AddCondition: "RUNNING" | "SUCCEEDED" | "FAILED"

#DeleteCondition: "RUNNING" | "SUCCEEDED" | "FAILED" | "NOT_PENDING_NOR_RUNNING"

#AccessRule: {
	type:         string
	operation?:   string
	filterMasks?: [...string]
}

#Workload: {
	name?:  #Name
	agent?: string

	// runtime selects the runtime connector
	runtime: string & !=""

	// structs are rendered to YAML for the connector
	runtimeConfig?: string | {...}

	restartPolicy?: "NEVER" | "ON_FAILURE" | "ALWAYS"

	dependencies?: [#Name]:       #AddCondition
	deleteDependencies?: [#Name]: #DeleteCondition

	tags?: [string]: string

	controlInterfaceAccess?: {
		allowRules?: [...#AccessRule]
		denyRules?: [...#AccessRule]
	}

	files?: [...{
		mountPoint:  =~"^/"
		data?:       string
		binaryData?: string
	}]
}

#Manifest: {
	apiVersion?: string
	workloads: [#Name]: #Workload
	...
}
`
