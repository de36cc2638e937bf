package pathexpand

import (
	"errors"
	"testing"
)

func TestExpandSubstitutesPlaceholders(t *testing.T) {
	vars := Vars{
		"stagingpath": "/stage",
		"projectid":   "P100",
	}
	got, err := Expand("<STAGINGPATH>/<PROJECTID>", vars)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if got != "/stage/P100" {
		t.Fatalf("expected /stage/P100, got %s", got)
	}
}

func TestExpandRecursesIntoSubstitutedValues(t *testing.T) {
	vars := Vars{
		"stagingpath": "/data/<PROJECTID>/stage",
		"projectid":   "P100",
		"sampleid":    "P100_101",
	}
	got, err := Expand("<STAGINGPATH>/<SAMPLEID>", vars)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if got != "/data/P100/stage/P100_101" {
		t.Fatalf("unexpected expansion: %s", got)
	}
}

func TestExpandLegacyForm(t *testing.T) {
	got, err := Expand("/archive/_PROJECTID_/reports", Vars{"projectid": "P7"})
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if got != "/archive/P7/reports" {
		t.Fatalf("unexpected expansion: %s", got)
	}
}

func TestExpandWithoutPlaceholdersIsUnchanged(t *testing.T) {
	for _, template := range []string{"", "/plain/path", "lower<case>stays"} {
		got, err := Expand(template, Vars{})
		if err != nil {
			t.Fatalf("Expand(%q) returned error: %v", template, err)
		}
		if got != template {
			t.Fatalf("Expand(%q) = %q, want input unchanged", template, got)
		}
	}
}

func TestExpandMissingVariableFails(t *testing.T) {
	_, err := Expand("<STAGINGPATH>/<UPPNEXID>", Vars{"stagingpath": "/stage"})
	if err == nil {
		t.Fatal("expected error for unresolved placeholder")
	}
	var unresolved *UnresolvedError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected UnresolvedError, got %T: %v", err, err)
	}
	if unresolved.Placeholder != "<UPPNEXID>" {
		t.Fatalf("unexpected placeholder: %s", unresolved.Placeholder)
	}
}

func TestExpandCycleDetected(t *testing.T) {
	_, err := Expand("<A>", Vars{"a": "<B>", "b": "<A>"})
	if err == nil {
		t.Fatal("expected cycle error")
	}
}
