package statusdb

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryPartialUpdateLeavesOtherFields(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	store.SeedSample(SampleEntry{
		ProjectID:      "P1",
		SampleID:       "P1_101",
		SampleStatus:   "IN_PROGRESS",
		AnalysisStatus: AnalysisDone,
	})

	if err := store.UpdateSample(ctx, "P1", "P1_101", Fields{FieldDeliveryStatus: Delivered}); err != nil {
		t.Fatalf("UpdateSample returned error: %v", err)
	}
	entry, err := store.Sample(ctx, "P1", "P1_101")
	if err != nil {
		t.Fatal(err)
	}
	if entry.DeliveryStatus != Delivered {
		t.Fatalf("expected DELIVERED, got %s", entry.DeliveryStatus)
	}
	if entry.AnalysisStatus != AnalysisDone {
		t.Fatalf("partial update clobbered analysis_status: %s", entry.AnalysisStatus)
	}
}

func TestMemoryAcquireInProgressConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	store.SeedSample(SampleEntry{ProjectID: "P1", SampleID: "P1_101", AnalysisStatus: AnalysisDone})

	first, err := store.Sample(ctx, "P1", "P1_101")
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Sample(ctx, "P1", "P1_101")
	if err != nil {
		t.Fatal(err)
	}

	started := time.Now()
	if err := store.AcquireInProgress(ctx, first, started); err != nil {
		t.Fatalf("first acquisition should succeed, got %v", err)
	}
	// the second reader observed the same revision but lost the race
	if err := store.AcquireInProgress(ctx, second, started); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	entry, err := store.Sample(ctx, "P1", "P1_101")
	if err != nil {
		t.Fatal(err)
	}
	if entry.DeliveryStatus != InProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", entry.DeliveryStatus)
	}
	if entry.DeliveryStarted.IsZero() {
		t.Fatal("expected delivery_started staleness timestamp to be set")
	}
}

func TestMemoryAcquireInProgressReclaimsStranded(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	store.SeedSample(SampleEntry{
		ProjectID:      "P1",
		SampleID:       "P1_101",
		DeliveryStatus: InProgress,
	})
	entry, err := store.Sample(ctx, "P1", "P1_101")
	if err != nil {
		t.Fatal(err)
	}
	// the reader observed IN_PROGRESS itself, so at an unchanged revision
	// the unit is stranded and may be taken over
	if err := store.AcquireInProgress(ctx, entry, time.Now()); err != nil {
		t.Fatalf("reclaim should succeed, got %v", err)
	}

	// the takeover bumped the revision; the now stale read loses
	if err := store.AcquireInProgress(ctx, entry, time.Now()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for a stale revision, got %v", err)
	}
}

func TestProjectDerivedStatus(t *testing.T) {
	cases := []struct {
		name  string
		entry ProjectEntry
		want  DeliveryStatus
	}{
		{"live token", ProjectEntry{DeliveryToken: "tok-1"}, InProgress},
		{"sentinel token cleared", ProjectEntry{DeliveryToken: NoToken}, NotDelivered},
		{"delivered flag", ProjectEntry{DeliveryToken: NoToken, DeliveryStatus: Delivered}, Delivered},
		{"history only", ProjectEntry{DeliveryProjects: []string{"DELIV123"}}, Partial},
		{"untouched", ProjectEntry{}, NotDelivered},
	}
	for _, tc := range cases {
		if got := tc.entry.DerivedStatus(); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestMemoryFailWith(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	store.SeedProject(ProjectEntry{ProjectID: "P1"})
	boom := errors.New("connection refused")
	store.FailWith(boom)
	if _, err := store.Project(ctx, "P1"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	store.FailWith(nil)
	if _, err := store.Project(ctx, "P1"); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}
