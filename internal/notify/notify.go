// Package notify alerts operators about delivery events that need a human.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Notifier delivers an operator alert. Implementations must treat delivery
// of the alert as best effort; the triggering error is always preserved by
// the caller.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) error { return nil }

// Command pipes the alert body to a configured external program, with the
// subject appended to the argv. Sites wire this to their mail or paging
// wrapper.
type Command struct {
	Argv []string

	log zerolog.Logger
}

// NewCommand creates a command-backed Notifier.
func NewCommand(argv []string, log zerolog.Logger) *Command {
	return &Command{Argv: argv, log: log}
}

// Notify implements Notifier.
func (c *Command) Notify(ctx context.Context, subject, body string) error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("notify: no command configured")
	}
	args := append(append([]string(nil), c.Argv[1:]...), subject)
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)
	cmd.Stdin = strings.NewReader(body)
	if out, err := cmd.CombinedOutput(); err != nil {
		c.log.Warn().Err(err).Str("output", strings.TrimSpace(string(out))).Msg("operator notification failed")
		return fmt.Errorf("notify: %s: %w", c.Argv[0], err)
	}
	c.log.Info().Str("subject", subject).Msg("operator notified")
	return nil
}
