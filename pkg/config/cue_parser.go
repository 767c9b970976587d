package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEManifestParser parses manifests written in CUE. The value is unified
// with the built-in #Manifest schema before workloads are extracted, so
// unknown fields and invalid conditions are reported with their position.
type CUEManifestParser struct {
	// mu serializes use of the cue.Context
	mu      sync.Mutex
	schemas *SchemaRegistry
}

// NewCUEManifestParser creates a new CUE manifest parser.
func NewCUEManifestParser() *CUEManifestParser {
	return &CUEManifestParser{schemas: NewSchemaRegistry()}
}

// Schemas returns the schema registry used for validation.
func (cp *CUEManifestParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// Parse parses a .cue file, or a directory holding one CUE package.
func (cp *CUEManifestParser) Parse(_ context.Context, source string) (*Manifest, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	var val cue.Value
	var errs []ValidationError
	if info.IsDir() {
		val, errs = cp.loadDirectory(source)
	} else {
		val, errs = cp.loadFile(source)
	}
	if len(errs) > 0 {
		return nil, &ManifestError{Source: source, Errors: errs}
	}

	return cp.extractManifest(source, val)
}

// ParseInline parses CUE manifest content.
func (cp *CUEManifestParser) ParseInline(_ context.Context, content string) (*Manifest, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	val := cp.schemas.Context().CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, &ManifestError{Source: "inline", Errors: convertCUEErrors(err)}
	}
	return cp.extractManifest("inline", val)
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEManifestParser) loadDirectory(dir string) (cue.Value, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := cp.schemas.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// loadFile loads a single CUE file.
func (cp *CUEManifestParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.schemas.Context().CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// extractManifest validates val against #Manifest and decodes its workloads.
func (cp *CUEManifestParser) extractManifest(source string, val cue.Value) (*Manifest, error) {
	unified, err := cp.schemas.Unify("manifest", val)
	if err != nil {
		return nil, &ManifestError{Source: source, Errors: convertCUEErrors(err)}
	}

	var apiVersion string
	if v := unified.LookupPath(cue.ParsePath("apiVersion")); v.Exists() {
		apiVersion, _ = v.String()
	}

	workloads := make(map[string]map[string]interface{})
	iter, err := unified.LookupPath(cue.ParsePath("workloads")).Fields()
	if err != nil {
		return nil, manifestError(source, "workloads", "failed to iterate workloads: %v", err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		var fields map[string]interface{}
		if err := iter.Value().Decode(&fields); err != nil {
			return nil, manifestError(source, "workloads."+name, "failed to decode workload: %v", err)
		}
		workloads[name] = fields
	}

	return buildManifest(source, apiVersion, workloads)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		// point at the manifest rather than the schema it conflicts with
		for _, pos := range errors.Positions(e) {
			if file == "" || strings.HasSuffix(file, schemaSuffix) {
				file = pos.Filename()
				line = pos.Line()
				column = pos.Column()
			}
		}

		path := strings.Join(e.Path(), ".")

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	return validationErrors
}
