package staging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/genseq/courier/internal/collect"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestSymlinkIsRelativeAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "data", "reads.fastq")
	dst := filepath.Join(dir, "stage", "S1", "reads.fastq")
	writeFile(t, src, "ACGT")

	if err := Symlink(src, dst); err != nil {
		t.Fatalf("Symlink returned error: %v", err)
	}
	target, err := os.Readlink(dst)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.IsAbs(target) {
		t.Fatalf("expected relative link target, got %s", target)
	}
	// second run is a no-op
	if err := Symlink(src, dst); err != nil {
		t.Fatalf("re-linking identical target should succeed, got %v", err)
	}
}

func TestSymlinkMismatchNeedsReplace(t *testing.T) {
	dir := t.TempDir()
	srcA := filepath.Join(dir, "a.fastq")
	srcB := filepath.Join(dir, "b.fastq")
	dst := filepath.Join(dir, "stage", "reads.fastq")
	writeFile(t, srcA, "A")
	writeFile(t, srcB, "B")

	if err := Symlink(srcA, dst); err != nil {
		t.Fatal(err)
	}
	err := Symlink(srcB, dst)
	var replace *ReplaceError
	if !errors.As(err, &replace) {
		t.Fatalf("expected ReplaceError, got %T: %v", err, err)
	}
}

func TestStageWritesTreeAndSidecars(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "analysis")
	writeFile(t, filepath.Join(source, "S1", "reads_1.fastq.gz"), "AAAA")
	writeFile(t, filepath.Join(source, "S1", "reads_2.fastq.gz"), "CCCC")
	stagingDir := filepath.Join(dir, "stage")

	collector, err := collect.New(collect.WithAlgorithm("md5"))
	if err != nil {
		t.Fatal(err)
	}
	stager := New(stagingDir, "S1", "md5", zerolog.Nop())
	err = stager.Stage(collector, []collect.Pattern{{
		Source:      filepath.Join(source, "S1"),
		Destination: stagingDir,
	}})
	if err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}

	// every staged file appears in both sidecars, digests matching
	listLines := readLines(t, stager.FileList())
	digestLines := readLines(t, stager.DigestFile())
	if len(digestLines) != 2 {
		t.Fatalf("expected 2 digest lines, got %d: %v", len(digestLines), digestLines)
	}
	if len(listLines) != 3 {
		t.Fatalf("expected 2 files + digest sidecar in list, got %d: %v", len(listLines), listLines)
	}
	for _, line := range digestLines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			t.Fatalf("malformed digest line: %q", line)
		}
		staged := filepath.Join(stagingDir, fields[1])
		if _, err := os.Stat(staged); err != nil {
			t.Fatalf("digest line names unstaged file %s: %v", fields[1], err)
		}
		sum, err := collect.HashFile(staged, "md5")
		if err != nil {
			t.Fatal(err)
		}
		if sum != fields[0] {
			t.Fatalf("digest mismatch for %s: sidecar %s, file %s", fields[1], fields[0], sum)
		}
		found := false
		for _, l := range listLines {
			if l == fields[1] {
				found = true
			}
		}
		if !found {
			t.Fatalf("digest entry %s missing from file list", fields[1])
		}
	}

	// final list entry is the digest sidecar itself
	if listLines[len(listLines)-1] != "S1.md5" {
		t.Fatalf("expected file list to end with digest sidecar, got %q", listLines[len(listLines)-1])
	}
}

func TestStageIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "analysis")
	writeFile(t, filepath.Join(source, "S1", "reads.fastq"), "ACGT")
	stagingDir := filepath.Join(dir, "stage")

	collector, err := collect.New(collect.WithoutChecksums())
	if err != nil {
		t.Fatal(err)
	}
	stager := New(stagingDir, "S1", "sha1", zerolog.Nop())
	patterns := []collect.Pattern{{
		Source:      filepath.Join(source, "S1"),
		Destination: stagingDir,
	}}
	for i := 0; i < 2; i++ {
		if err := stager.Stage(collector, patterns); err != nil {
			t.Fatalf("run %d: Stage returned error: %v", i, err)
		}
	}
	listLines := readLines(t, stager.FileList())
	if len(listLines) != 2 {
		t.Fatalf("expected stable file list across re-stage, got %v", listLines)
	}
}

func TestStageRequiredPatternFailureAborts(t *testing.T) {
	dir := t.TempDir()
	collector, err := collect.New(collect.WithoutChecksums())
	if err != nil {
		t.Fatal(err)
	}
	stager := New(filepath.Join(dir, "stage"), "S1", "sha1", zerolog.Nop())
	err = stager.Stage(collector, []collect.Pattern{{
		Source:      filepath.Join(dir, "missing", "*"),
		Destination: filepath.Join(dir, "stage"),
		Required:    true,
	}})
	var noMatch *collect.NoMatchError
	if !errors.As(err, &noMatch) {
		t.Fatalf("expected NoMatchError, got %T: %v", err, err)
	}
}
