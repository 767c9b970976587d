package runtimes

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

var validate = validator.New()

// decodeConfig strictly decodes the runtime config of spec into out and
// validates it. An empty runtime config decodes to the zero value.
func decodeConfig(spec *engine.WorkloadSpec, out any) error {
	if strings.TrimSpace(spec.RuntimeConfig) != "" {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(spec.RuntimeConfig)))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode runtime config: %w", err)
		}
	}

	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed '%s'", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("runtime config is invalid: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("runtime config is invalid: %w", err)
	}
	return nil
}

// envList renders env sorted by key as KEY=value pairs.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for _, k := range sortedNames(env) {
		list = append(list, k+"="+env[k])
	}
	return list
}
