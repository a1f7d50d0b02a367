package ports

import (
	"context"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// ProcessSpec describes a child process to start.
type ProcessSpec struct {
	Path string
	Args []string
	Dir  string
}

// Process is a started child.
type Process interface {
	Pid() int
	// Done is closed once the child has been reaped.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed.
	Err() error
	Kill() error
}

// ProcessLauncher starts child processes.
type ProcessLauncher interface {
	Start(spec ProcessSpec) (Process, error)
}

// InternalModule serves a module definition inside this process. Handle
// receives the frame that would have been pushed to an external instance
// and returns the frame the instance would have published.
type InternalModule interface {
	Handle(ctx context.Context, def domain.ModuleDefinition, frame []byte) ([]byte, error)
}
