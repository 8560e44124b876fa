package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/bnema/gantry/pkg/lifecycle"
	"github.com/bnema/gantry/pkg/resource"
)

// ErrUnknownResource is returned for a name that is not part of the set.
var ErrUnknownResource = errors.New("unknown resource")

// ProvisionedSet is the result of a Provision call. Handles are readable
// concurrently; only Teardown stops and removes them.
type ProvisionedSet struct {
	session string
	edges   []resource.DependencyEdge

	mu         sync.RWMutex
	order      []string
	lifecycles map[string]*lifecycle.Lifecycle
	tornDown   bool
	// teardownMu serialises teardowns of the set.
	teardownMu sync.Mutex
}

func newSet(session string, edges []resource.DependencyEdge) *ProvisionedSet {
	return &ProvisionedSet{
		session:    session,
		edges:      edges,
		lifecycles: make(map[string]*lifecycle.Lifecycle),
	}
}

func (s *ProvisionedSet) add(lc *lifecycle.Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := lc.Handle().Name()
	s.order = append(s.order, name)
	s.lifecycles[name] = lc
}

// EngineName implements lifecycle.Resolver.
func (s *ProvisionedSet) EngineName(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lc, ok := s.lifecycles[name]
	if !ok {
		return "", false
	}
	return lc.Handle().EngineName(), true
}

// Session returns the session id every resource of the set is labelled with.
func (s *ProvisionedSet) Session() string { return s.session }

// Edges returns the dependency edges the startup order was computed from.
func (s *ProvisionedSet) Edges() []resource.DependencyEdge { return slices.Clone(s.edges) }

// Handle returns the handle of a resource.
func (s *ProvisionedSet) Handle(name string) (*lifecycle.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lc, ok := s.lifecycles[name]
	if !ok {
		return nil, false
	}
	return lc.Handle(), true
}

// Handles returns every handle in startup order.
func (s *ProvisionedSet) Handles() []*lifecycle.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*lifecycle.Handle, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.lifecycles[name].Handle())
	}
	return out
}

func (s *ProvisionedSet) lookup(name string) (*lifecycle.Handle, error) {
	h, ok := s.Handle(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return h, nil
}

// MappedPort returns the host port bound to a container port of a resource.
func (s *ProvisionedSet) MappedPort(ctx context.Context, name, port string) (int, error) {
	h, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	return h.MappedPort(ctx, port)
}

// Endpoint returns "host:port" for a container port of a resource.
func (s *ProvisionedSet) Endpoint(ctx context.Context, name, port string) (string, error) {
	h, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	return h.Endpoint(ctx, port)
}

// State returns the current state of a resource.
func (s *ProvisionedSet) State(name string) (resource.State, error) {
	h, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	return h.State(), nil
}

// Logs returns the log snapshot of a container.
func (s *ProvisionedSet) Logs(ctx context.Context, name string) (io.ReadCloser, error) {
	h, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return h.Logs(ctx)
}

// reversed returns the lifecycles in teardown order.
func (s *ProvisionedSet) reversed() []*lifecycle.Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*lifecycle.Lifecycle, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.lifecycles[s.order[i]])
	}
	return out
}

func (s *ProvisionedSet) isTornDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tornDown
}

func (s *ProvisionedSet) markTornDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tornDown = true
}
