package collect

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
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

func gatherAll(t *testing.T, c *Collector, patterns []Pattern) []Entry {
	t.Helper()
	var entries []Entry
	if err := c.Gather(patterns, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}
	return entries
}

func TestGatherWalksDirectoriesRecursively(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "sample", "reads_1.fastq.gz"), "AAAA")
	writeFile(t, filepath.Join(src, "sample", "qc", "report.txt"), "ok")

	c, err := New(WithoutChecksums())
	if err != nil {
		t.Fatal(err)
	}
	entries := gatherAll(t, c, []Pattern{{
		Source:      filepath.Join(src, "sample"),
		Destination: "/dest",
	}})

	var dests []string
	for _, e := range entries {
		dests = append(dests, e.DestPath)
	}
	sort.Strings(dests)
	want := []string{
		"/dest/sample/qc/report.txt",
		"/dest/sample/reads_1.fastq.gz",
	}
	if len(dests) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(dests), dests)
	}
	for i := range want {
		if dests[i] != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], dests[i])
		}
	}
}

func TestGatherSingleFileMapsToBasename(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "summary.csv"), "a,b")

	c, err := New(WithoutChecksums())
	if err != nil {
		t.Fatal(err)
	}
	entries := gatherAll(t, c, []Pattern{{
		Source:      filepath.Join(src, "*.csv"),
		Destination: "/dest/reports",
	}})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].DestPath != "/dest/reports/summary.csv" {
		t.Fatalf("unexpected destination: %s", entries[0].DestPath)
	}
}

func TestGatherComputesAndCachesDigest(t *testing.T) {
	src := t.TempDir()
	data := filepath.Join(src, "reads.fastq")
	writeFile(t, data, "ACGT")

	c, err := New(WithAlgorithm("md5"))
	if err != nil {
		t.Fatal(err)
	}
	entries := gatherAll(t, c, []Pattern{{Source: data, Destination: "/dest"}})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	// md5("ACGT")
	const want = "f1f8f4bf413b16ad135722aa4591043e"
	if entries[0].Digest != want {
		t.Fatalf("expected digest %s, got %s", want, entries[0].Digest)
	}
	cached, err := os.ReadFile(data + ".md5")
	if err != nil {
		t.Fatalf("expected digest cache sidecar: %v", err)
	}
	if string(cached) != want+"\n" {
		t.Fatalf("unexpected sidecar content: %q", cached)
	}
}

func TestGatherUsesCachedDigestWithoutRehashing(t *testing.T) {
	src := t.TempDir()
	data := filepath.Join(src, "reads.fastq")
	writeFile(t, data, "ACGT")
	writeFile(t, data+".sha1", "cacheddigest\n")

	hashCalls := 0
	c, err := New(WithHashFunc(func(path, algorithm string) (string, error) {
		hashCalls++
		return HashFile(path, algorithm)
	}))
	if err != nil {
		t.Fatal(err)
	}
	entries := gatherAll(t, c, []Pattern{{Source: data, Destination: "/dest"}})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Digest != "cacheddigest" {
		t.Fatalf("expected cached digest to be used verbatim, got %s", entries[0].Digest)
	}
	if hashCalls != 0 {
		t.Fatalf("expected no hash computation, got %d calls", hashCalls)
	}
}

func TestGatherExcludesDigestSidecars(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "d", "reads.fastq"), "ACGT")
	writeFile(t, filepath.Join(src, "d", "reads.fastq.sha1"), "cached\n")

	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	entries := gatherAll(t, c, []Pattern{{
		Source:      filepath.Join(src, "d"),
		Destination: "/dest",
	}})
	if len(entries) != 1 {
		t.Fatalf("expected sidecar to be excluded, got %d entries", len(entries))
	}
	if filepath.Base(entries[0].SourcePath) != "reads.fastq" {
		t.Fatalf("unexpected entry: %s", entries[0].SourcePath)
	}
}

func TestGatherEmptyPatternPolicy(t *testing.T) {
	src := t.TempDir()
	c, err := New(WithoutChecksums())
	if err != nil {
		t.Fatal(err)
	}

	// optional: warn and continue
	entries := gatherAll(t, c, []Pattern{{
		Source:      filepath.Join(src, "nothing", "*"),
		Destination: "/dest",
	}})
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}

	// required: typed error
	err = c.Gather([]Pattern{{
		Source:      filepath.Join(src, "nothing", "*"),
		Destination: "/dest",
		Required:    true,
	}}, func(Entry) error { return nil })
	var noMatch *NoMatchError
	if !errors.As(err, &noMatch) {
		t.Fatalf("expected NoMatchError, got %T: %v", err, err)
	}
}

func TestGatherBrokenSymlinkPolicy(t *testing.T) {
	src := t.TempDir()
	broken := filepath.Join(src, "reads.fastq")
	if err := os.Symlink(filepath.Join(src, "gone"), broken); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	c, err := New(WithoutChecksums())
	if err != nil {
		t.Fatal(err)
	}
	entries := gatherAll(t, c, []Pattern{{Source: broken, Destination: "/dest"}})
	if len(entries) != 0 {
		t.Fatalf("expected broken symlink to be skipped, got %d entries", len(entries))
	}

	err = c.Gather([]Pattern{{Source: broken, Destination: "/dest", Required: true}},
		func(Entry) error { return nil })
	var missing *NotFoundError
	if !errors.As(err, &missing) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
}

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := New(WithAlgorithm("crc32")); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
