// Package ssh connects the agent to remote hosts that run ssh workloads.
package ssh

import (
	"context"
	"os"
	"time"
)

// Transport is the set of remote operations the ssh runtime needs.
type Transport interface {
	// Connect dials the host, or verifies an existing connection and
	// redials when it is dead.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck runs a no-op command on the host.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs cmd through the remote shell and returns its
	// trimmed output. A non-zero exit is reported as a *TransportError
	// carrying the exit code.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// WriteFile creates or truncates remotePath over SFTP, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error

	// RemoveAll deletes remotePath and everything below it. A missing path
	// is not an error.
	RemoveAll(ctx context.Context, remotePath string) error

	// GetConnectionInfo describes the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	Proxy        string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed, e.g. "connect", "execute", "write-file".
	Op string

	Err error

	// ExitCode is the remote exit status for failed commands, -1 otherwise.
	ExitCode int

	// IsTemporary indicates the operation may succeed when retried.
	IsTemporary bool

	// IsAuthError indicates the host rejected our credentials or host key.
	IsAuthError bool
}

func newTransportError(op string, err error, temporary bool) *TransportError {
	return &TransportError{Op: op, Err: err, ExitCode: -1, IsTemporary: temporary}
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
