package dispatch

import (
	"context"
	"fmt"
)

// Transport is the single interface every worker Kind implements (§9:
// the source's BaseServer+three-subclass inheritance collapses into one
// interface with three implementations and a kind-dispatching factory).
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Exec(ctx context.Context, cmd string) (stdout string, stderr string, err error)
	Upload(ctx context.Context, local, remote string) error
	Download(ctx context.Context, remote, local string) error
	Mkdir(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Health(ctx context.Context) (HealthSample, error)
	InterpreterVersion(ctx context.Context) (string, error)
}

// NewTransport constructs a Transport for the given kind, dispatching on
// the kind tag the way original_source/core/server/factory.py does.
func NewTransport(kind Kind, cfg ConnConfig, logger *Logger) (Transport, error) {
	switch kind {
	case KindUnix, KindMacOS:
		return newSSHTransport(kind, cfg, logger), nil
	case KindWindows:
		return newWindowsTransport(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown worker kind: %q", kind)
	}
}
