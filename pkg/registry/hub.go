package registry

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/synergy-labs/envelope/pkg/apperr"
)

// Factory builds the adapter for one network.
type Factory func(networkID string) (*Adapter, error)

// Hub hands out one Adapter per network, created on first
// use. Once created an adapter is never replaced.
type Hub struct {
	factory Factory
	group   singleflight.Group

	mu       sync.RWMutex
	adapters map[string]*Adapter
}

func NewHub(factory Factory) *Hub {
	return &Hub{factory: factory, adapters: make(map[string]*Adapter)}
}

// Get returns the adapter for networkID. Concurrent first
// calls share one factory invocation; a factory error is
// not cached.
func (h *Hub) Get(networkID string) (*Adapter, error) {
	if networkID == "" {
		return nil, apperr.New(apperr.KindBadRequest, "network_id is required")
	}
	h.mu.RLock()
	a, ok := h.adapters[networkID]
	h.mu.RUnlock()
	if ok {
		return a, nil
	}

	v, err, _ := h.group.Do(networkID, func() (any, error) {
		h.mu.RLock()
		existing, ok := h.adapters[networkID]
		h.mu.RUnlock()
		if ok {
			return existing, nil
		}
		created, err := h.factory(networkID)
		if err != nil {
			return nil, err
		}
		if created == nil {
			return nil, fmt.Errorf("factory returned no adapter for %q", networkID)
		}
		h.mu.Lock()
		h.adapters[networkID] = created
		h.mu.Unlock()
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Adapter), nil
}

// Networks lists the networks with a live adapter.
func (h *Hub) Networks() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.adapters))
	for id := range h.adapters {
		out = append(out, id)
	}
	return out
}
