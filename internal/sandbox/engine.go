// Package sandbox executes PoCs inside per-task containers with nested
// wall-time limits.
package sandbox

import (
	"context"
	"io"
)

// Bind mounts a host path into the container.
type Bind struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Container is a single started container.
type Container interface {
	// Logs streams the container's stdout from the beginning.
	Logs(ctx context.Context) (io.ReadCloser, error)
	// Wait blocks until the container exits and returns its status code.
	// A context deadline bounds the wait.
	Wait(ctx context.Context) (int, error)
	// Remove force-removes the container. Called on every exit path.
	Remove()
}

// Engine starts containers. Images must already be present on the host;
// the engine never pulls.
type Engine interface {
	Run(ctx context.Context, image string, command []string, binds []Bind) (Container, error)
}

// EngineError marks failures of the container engine itself (missing
// image, unreachable daemon), as opposed to a non-zero exit of the
// sandboxed program.
type EngineError struct {
	msg string
}

func (e *EngineError) Error() string {
	return e.msg
}
