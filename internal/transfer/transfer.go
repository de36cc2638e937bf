// Package transfer moves a staged delivery tree to its destination. The
// mechanism is abstracted behind Backend so the state machine stays agnostic
// of whether data travels via rsync, a tape-archive outbox, or an object
// store; asynchronous backends additionally expose completion polling.
package transfer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// Request describes one transfer of a staged tree.
type Request struct {
	// SourceDir is the staging root the file list is relative to.
	SourceDir string
	// FileList is the path of the .lst sidecar enumerating exactly the
	// files to move.
	FileList string
	// Destination is a local path or a user@host:path remote spec. Ignored
	// by backends that address a remote project instead.
	Destination string
	// RemoteProject is the externally provisioned delivery project for
	// cluster backends.
	RemoteProject string
	// LogPrefix is the path prefix for the durable transfer logs; the
	// backend appends .out and .err.
	LogPrefix string
}

// Record is the durable outcome of a transfer invocation.
type Record struct {
	OK      bool
	LogPath string
	// Token correlates an asynchronous transfer with its eventual
	// completion, polled separately. Empty for synchronous backends.
	Token string
}

// RemoteStatus is the externally reported state of an asynchronous transfer.
type RemoteStatus string

const (
	RemoteAccepted   RemoteStatus = "Accepted"
	RemoteInProgress RemoteStatus = "InProgress"
	RemoteDelivered  RemoteStatus = "Delivered"
	RemoteFailed     RemoteStatus = "Failed"
	RemoteUnknown    RemoteStatus = "Unknown"
)

// Backend moves staged files to a destination.
type Backend interface {
	Transfer(ctx context.Context, req Request) (Record, error)
}

// AsyncBackend is a Backend whose completion is observed out-of-band.
type AsyncBackend interface {
	Backend
	// Poll reports the remote status for a previously returned token.
	Poll(ctx context.Context, token string) (RemoteStatus, error)
}

// InvokeError reports a transfer tool that could not be started at all.
type InvokeError struct {
	Cmd string
	Err error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("transfer: could not invoke %s: %v", e.Cmd, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// RunError reports a transfer tool that ran but ended in failure.
type RunError struct {
	Cmd      string
	ExitCode int
	LogPath  string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("transfer: %s failed with exit code %d (log: %s)", e.Cmd, e.ExitCode, e.LogPath)
}

// ReadFileList parses a .lst sidecar into relative paths.
func ReadFileList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: open file list: %w", err)
	}
	defer f.Close()
	var files []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("transfer: read file list: %w", err)
	}
	return files, nil
}
