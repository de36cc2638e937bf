package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/genseq/courier/internal/statusdb"
)

func seededWatch(t *testing.T) *Watch {
	t.Helper()
	store := statusdb.NewMemory()
	store.SeedProject(statusdb.ProjectEntry{ProjectID: "P100", DeliveryToken: "tok-9"})
	store.SeedSample(statusdb.SampleEntry{
		ProjectID:      "P100",
		SampleID:       "S1",
		AnalysisStatus: statusdb.AnalysisDone,
		DeliveryStatus: statusdb.InProgress,
		DeliveryToken:  "tok-9",
	})
	store.SeedSample(statusdb.SampleEntry{
		ProjectID:      "P100",
		SampleID:       "S2",
		AnalysisStatus: statusdb.AnalysisDone,
		DeliveryStatus: statusdb.Delivered,
	})
	return NewWatch("P100", store)
}

func TestViewRendersSamples(t *testing.T) {
	w := seededWatch(t)
	msg := w.refresh()
	model, _ := w.Update(msg)
	view := model.View()

	for _, want := range []string{"P100", "S1", "S2", "IN_PROGRESS", "DELIVERED", "tok-9"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestViewShowsStoreError(t *testing.T) {
	store := statusdb.NewMemory()
	w := NewWatch("P404", store)
	msg := w.refresh()
	model, _ := w.Update(msg)
	view := model.View()
	if !strings.Contains(view, "status store error") {
		t.Errorf("view missing error banner:\n%s", view)
	}
}

func TestQuitKeys(t *testing.T) {
	w := seededWatch(t)
	if _, cmd := w.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}); cmd == nil {
		t.Fatal("expected quit command for q")
	}
	if _, cmd := w.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd == nil {
		t.Fatal("expected quit command for ctrl+c")
	}
}

func TestLoadingBeforeFirstRefresh(t *testing.T) {
	w := seededWatch(t)
	if !strings.Contains(w.View(), "loading") {
		t.Errorf("expected loading view:\n%s", w.View())
	}
}
