package citation

import (
	"context"
	"fmt"

	"ResearchWriter/internal/ports"
)

// Gate re-reads the bibliography before every validation so concurrent
// writers are always observed.
type Gate struct {
	Bibliography ports.Bibliography
	Validator    Validator
}

// Snapshot reads the current bibliography.
func (g Gate) Snapshot(ctx context.Context) (Snapshot, error) {
	if g.Bibliography == nil {
		return NewSnapshot(nil), nil
	}
	records, err := g.Bibliography.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read bibliography snapshot: %w", err)
	}
	return NewSnapshot(records), nil
}

// Check validates keys against a fresh snapshot.
func (g Gate) Check(ctx context.Context, keys []string) (Result, Snapshot, error) {
	snap, err := g.Snapshot(ctx)
	if err != nil {
		return Result{}, Snapshot{}, err
	}
	return g.Validator.Validate(keys, snap), snap, nil
}
