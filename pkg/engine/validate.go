package engine

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var workloadNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// newSpecValidator returns a validator with the workload specific rules registered.
func newSpecValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("workloadname", func(fl validator.FieldLevel) bool {
		return workloadNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateSpec checks one workload spec in isolation.
func ValidateSpec(v *validator.Validate, spec *WorkloadSpec) error {
	if err := v.Struct(spec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return NewConfigError(
				fmt.Sprintf("workload %q is invalid: %s", spec.Name, strings.Join(fields, ", ")),
				spec.Name,
			)
		}
		return NewConfigError(fmt.Sprintf("workload %q is invalid: %v", spec.Name, err), spec.Name)
	}

	if err := spec.RestartPolicy.Validate(); err != nil {
		return NewConfigError(fmt.Sprintf("workload %q: %v", spec.Name, err), spec.Name)
	}

	for _, dep := range sortedKeys(spec.AddDependencies) {
		if dep == spec.Name {
			return NewCycleError([]string{spec.Name, spec.Name})
		}
		if err := spec.AddDependencies[dep].Validate(); err != nil {
			return NewConfigError(fmt.Sprintf("workload %q dependency %q: %v", spec.Name, dep, err), spec.Name)
		}
	}

	for _, dep := range sortedKeys(spec.DeleteDependencies) {
		if dep == spec.Name {
			return NewCycleError([]string{spec.Name, spec.Name})
		}
		if err := spec.DeleteDependencies[dep].Validate(); err != nil {
			return NewConfigError(fmt.Sprintf("workload %q delete dependency %q: %v", spec.Name, dep, err), spec.Name)
		}
	}

	return nil
}

// validateBatch checks the structure of a batch before it touches any state.
func validateBatch(v *validator.Validate, batch *Batch) error {
	seen := make(map[string]bool, len(batch.Workloads))
	for i := range batch.Workloads {
		spec := &batch.Workloads[i]
		if seen[spec.Name] {
			return NewConfigError(fmt.Sprintf("duplicate workload name in batch: %s", spec.Name), spec.Name)
		}
		seen[spec.Name] = true

		if err := ValidateSpec(v, spec); err != nil {
			return err
		}
	}

	for _, name := range batch.Tombstones {
		if seen[name] {
			return NewConfigError(fmt.Sprintf("workload %s is both updated and deleted in one batch", name), name)
		}
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
