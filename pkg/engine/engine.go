// Package engine defines the contract gantry uses to talk to a container engine.
// The Docker adapter and the in-memory engine both implement it.
package engine

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned (possibly wrapped) when the engine does not know an object.
var ErrNotFound = errors.New("engine object not found")

// Engine abstracts the container engine operations needed to provision and
// clean up ephemeral resources.
type Engine interface {
	// Images
	InspectImage(ctx context.Context, ref string) (*ImageData, error)
	PullImage(ctx context.Context, ref string) error

	// Container lifecycle
	CreateContainer(ctx context.Context, config *ContainerConfig) (string, error)
	CopyToContainer(ctx context.Context, containerID string, files []File) error
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error

	// Container inspection
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ContainerLogs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error)
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error)

	// Networks
	CreateNetwork(ctx context.Context, config *NetworkConfig) (string, error)
	RemoveNetwork(ctx context.Context, networkID string) error
	ListNetworks(ctx context.Context, labels map[string]string) ([]*NetworkInfo, error)

	// Host returns the address under which mapped ports are reachable.
	Host(ctx context.Context) (string, error)
	Ping(ctx context.Context) error
}

// IsNotFound reports whether err means the engine object is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ImageData is the local metadata of an image. A nil *ImageData means the
// image is not present locally.
type ImageData struct {
	ID          string
	Created     time.Time
	RepoTags    []string
	RepoDigests []string
}

// ContainerConfig is a fully resolved container create request.
type ContainerConfig struct {
	Name         string
	Image        string
	Env          map[string]string
	Cmd          []string
	Entrypoint   []string
	ExposedPorts []string          // "80/tcp"
	PortBindings map[string]string // "80/tcp" -> host port, "" lets the engine choose
	Binds        []string          // "src:dst[:ro]"
	Networks     []NetworkAttachment
	Links        []string // "container:alias"
	Labels       map[string]string
	Privileged   bool
	AutoRemove   bool
}

// NetworkAttachment joins a container to a network under the given aliases.
type NetworkAttachment struct {
	Network string
	Aliases []string
}

// File is copied into a container before it starts.
type File struct {
	Path    string
	Content []byte
	Mode    int64
}

// NetworkConfig is a network create request.
type NetworkConfig struct {
	Name   string
	Driver string
	Labels map[string]string
}

// ContainerState is the engine view of a container process.
type ContainerState struct {
	Status         string
	Running        bool
	ExitCode       int
	Health         string
	HasHealthcheck bool
}

// Exited reports whether the container process has terminated.
func (s *ContainerState) Exited() bool {
	return s != nil && !s.Running && (s.Status == "exited" || s.Status == "dead")
}

// Endpoint is the address of a container on one network.
type Endpoint struct {
	IPAddress string
	Aliases   []string
}

// ContainerInfo holds inspected container information.
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	State    ContainerState
	Ports    map[string]int // "80/tcp" -> bound host port
	Networks map[string]Endpoint
	Labels   map[string]string
}

// NetworkInfo holds listed network information.
type NetworkInfo struct {
	ID     string
	Name   string
	Driver string
	Labels map[string]string
}

// ExecResult holds the result of executing a command in a container.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}
