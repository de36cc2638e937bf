package notify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCommandNotify(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "alert.txt")
	n := NewCommand([]string{"sh", "-c", `cat > ` + outPath + `; echo "$0" >> ` + outPath}, zerolog.Nop())

	if err := n.Notify(context.Background(), "delivery stuck", "token abc expired"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.Contains(got, "token abc expired") {
		t.Errorf("body not piped: %q", got)
	}
	if !strings.Contains(got, "delivery stuck") {
		t.Errorf("subject not passed: %q", got)
	}
}

func TestCommandNotifyFailure(t *testing.T) {
	n := NewCommand([]string{"false"}, zerolog.Nop())
	if err := n.Notify(context.Background(), "s", "b"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCommandNotifyUnconfigured(t *testing.T) {
	n := NewCommand(nil, zerolog.Nop())
	if err := n.Notify(context.Background(), "s", "b"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Notify(context.Background(), "s", "b"); err != nil {
		t.Fatalf("Nop.Notify: %v", err)
	}
}
