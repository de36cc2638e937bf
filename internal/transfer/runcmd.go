package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// commandRunner executes an external tool, teeing stdout/stderr into durable
// <logPrefix>.out / <logPrefix>.err files. Swapped out in tests.
type commandRunner func(ctx context.Context, logPrefix, name string, args ...string) (stdout string, err error)

// runLogged is the production commandRunner. An empty logPrefix runs the
// command without durable logs (used for short status queries).
func runLogged(ctx context.Context, logPrefix, name string, args ...string) (string, error) {
	outSink, errSink := io.Discard, io.Discard
	if logPrefix != "" {
		if err := os.MkdirAll(filepath.Dir(logPrefix), 0o755); err != nil {
			return "", &InvokeError{Cmd: name, Err: fmt.Errorf("create log dir: %w", err)}
		}
		outFile, err := os.Create(logPrefix + ".out")
		if err != nil {
			return "", &InvokeError{Cmd: name, Err: err}
		}
		defer outFile.Close()
		errFile, err := os.Create(logPrefix + ".err")
		if err != nil {
			return "", &InvokeError{Cmd: name, Err: err}
		}
		defer errFile.Close()
		outSink, errSink = outFile, errFile
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.MultiWriter(outSink, &stdout)
	cmd.Stderr = errSink

	runErr := cmd.Run()
	if runErr == nil {
		return stdout.String(), nil
	}
	if ctx.Err() != nil {
		// killed by cancellation, surface that instead of the exit code
		return stdout.String(), ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return stdout.String(), &RunError{
			Cmd:      name,
			ExitCode: exitErr.ExitCode(),
			LogPath:  logPrefix + ".err",
		}
	}
	return stdout.String(), &InvokeError{Cmd: name, Err: runErr}
}
