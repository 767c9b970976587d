package agent

import (
	"context"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// admissionChain runs admitters in order and stops at the first veto.
type admissionChain []engine.Admitter

var _ engine.Admitter = admissionChain(nil)

func (c admissionChain) Admit(ctx context.Context, batch *engine.Batch, current *engine.Snapshot) error {
	for _, a := range c {
		if err := a.Admit(ctx, batch, current); err != nil {
			return err
		}
	}
	return nil
}
