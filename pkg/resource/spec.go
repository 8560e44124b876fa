// Package resource describes the resources gantry provisions: their
// declarative specs, lifecycle states and the errors raised along the way.
package resource

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/bnema/gantry/pkg/engine"
	"github.com/bnema/gantry/pkg/pullpolicy"
	"github.com/bnema/gantry/pkg/wait"
)

// Kind is the type of a resource.
type Kind string

const (
	KindContainer Kind = "container"
	KindNetwork   Kind = "network"
)

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// File is copied into a container before it starts. Content wins over HostPath.
type File struct {
	HostPath      string
	Content       []byte
	ContainerPath string
	Mode          int64
}

// Spec declares one resource. Specs are values: the orchestrator copies them
// on entry and never mutates the caller's copy.
type Spec struct {
	Name string
	Kind Kind

	// Container fields
	Image          string
	ContainerName  string
	ExposedPorts   []string
	PinnedPorts    map[string]int
	Env            map[string]string
	Cmd            []string
	Entrypoint     []string
	Mounts         []Mount
	Files          []File
	Networks       []string
	NetworkAliases []string
	Links          []string
	WaitingFor     []wait.Strategy
	StartupTimeout time.Duration
	PullPolicy     pullpolicy.Policy
	Privileged     bool
	AutoRemove     bool

	// Network fields
	Driver string

	DependsOn []string
	Labels    map[string]string
}

// Container declares a container resource.
func Container(name, image string) Spec {
	return Spec{Name: name, Kind: KindContainer, Image: image}
}

// Network declares a network resource.
func Network(name string) Spec {
	return Spec{Name: name, Kind: KindNetwork}
}

// IsNetwork reports whether the spec declares a network.
func (s Spec) IsNetwork() bool {
	return s.Kind == KindNetwork
}

// Clone returns a deep copy. Strategies and policies are shared, they are
// immutable once built.
func (s Spec) Clone() Spec {
	c := s
	c.ExposedPorts = slices.Clone(s.ExposedPorts)
	c.PinnedPorts = maps.Clone(s.PinnedPorts)
	c.Env = maps.Clone(s.Env)
	c.Cmd = slices.Clone(s.Cmd)
	c.Entrypoint = slices.Clone(s.Entrypoint)
	c.Mounts = slices.Clone(s.Mounts)
	c.Networks = slices.Clone(s.Networks)
	c.NetworkAliases = slices.Clone(s.NetworkAliases)
	c.Links = slices.Clone(s.Links)
	c.WaitingFor = slices.Clone(s.WaitingFor)
	c.DependsOn = slices.Clone(s.DependsOn)
	c.Labels = maps.Clone(s.Labels)
	if s.Files != nil {
		c.Files = make([]File, len(s.Files))
		for i, f := range s.Files {
			f.Content = slices.Clone(f.Content)
			c.Files[i] = f
		}
	}
	return c
}

// NormalizedPorts returns the exposed ports in "80/tcp" form, deduplicated
// and in declaration order.
func (s Spec) NormalizedPorts() ([]string, error) {
	seen := make(map[string]bool, len(s.ExposedPorts))
	out := make([]string, 0, len(s.ExposedPorts))
	for _, p := range s.ExposedPorts {
		n, err := engine.NormalizePort(p)
		if err != nil {
			return nil, err
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// NormalizedPinnedPorts returns the pinned host ports keyed by normalised container port.
func (s Spec) NormalizedPinnedPorts() (map[string]int, error) {
	out := make(map[string]int, len(s.PinnedPorts))
	for p, host := range s.PinnedPorts {
		n, err := engine.NormalizePort(p)
		if err != nil {
			return nil, err
		}
		if host <= 0 || host > 65535 {
			return nil, fmt.Errorf("invalid host port %d for %s", host, n)
		}
		out[n] = host
	}
	return out, nil
}

// DependencyEdge states that From must be ready before To starts.
type DependencyEdge struct {
	From   string
	To     string
	Reason string
}
