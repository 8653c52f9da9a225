package executor

import (
	"sync"

	"github.com/vselivanov/stratex/internal/domain"
)

// Registry tracks the open leverage position of each strategy instance. The
// manager is the only writer; the risk assessor and the planner read it as
// their PositionSource. Reads return copies, so callers never share mutable
// state with an in-flight execution.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]*domain.LeveragePosition
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{positions: make(map[string]*domain.LeveragePosition)}
}

// LeveragePosition returns a copy of the instance's open loop, nil when none.
func (r *Registry) LeveragePosition(instance string) *domain.LeveragePosition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[instance]
	if !ok {
		return nil
	}
	c := *pos
	return &c
}

// Restore seeds an instance's position from external state, used at startup
// when a live deployment re-reads the protocol before its first tick.
func (r *Registry) Restore(instance string, pos *domain.LeveragePosition) {
	r.put(instance, pos)
}

func (r *Registry) put(instance string, pos *domain.LeveragePosition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pos == nil {
		delete(r.positions, instance)
		return
	}
	c := *pos
	r.positions[instance] = &c
}

func (r *Registry) drop(instance string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, instance)
}
