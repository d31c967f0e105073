// Package strategy defines the pluggable strategy contract driven by the
// task executor, and a registry for selecting strategy variants by type
// string.
package strategy

import (
	"github.com/gridflow-lab/gridflow/internal/types"
)

// Result carries the domain events emitted by one strategy callback. The
// strategy mutates the passed ExecutionState in place; events describe what
// changed, for the audit log and order dispatch.
type Result struct {
	Events []types.Event
}

// Strategy is the contract every strategy variant implements. OnTick is
// called once per tick in arrival order; OnStart before the first batch and
// OnStop after the last (or after a stop signal).
type Strategy interface {
	// Type is the stable strategy-type identifier, e.g. "floor".
	Type() string
	OnStart(state *types.ExecutionState) (Result, error)
	OnTick(tick types.Tick, state *types.ExecutionState) (Result, error)
	OnStop(state *types.ExecutionState) (Result, error)
}
