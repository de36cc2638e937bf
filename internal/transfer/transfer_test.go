package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type call struct {
	logPrefix string
	name      string
	args      []string
}

// fakeRunner records invocations and replays canned stdout or errors.
type fakeRunner struct {
	calls  []call
	stdout string
	err    error
}

func (f *fakeRunner) run(_ context.Context, logPrefix, name string, args ...string) (string, error) {
	f.calls = append(f.calls, call{logPrefix: logPrefix, name: name, args: args})
	return f.stdout, f.err
}

func TestRsyncArgs(t *testing.T) {
	fake := &fakeRunner{}
	r := NewRsync(zerolog.Nop())
	r.run = fake.run

	req := Request{
		SourceDir:   "/stage/P100",
		FileList:    "/stage/P100/P100.lst",
		Destination: "/delivery/P100",
		LogPrefix:   "/stage/P100/P100_20240101_rsync",
	}
	rec, err := r.Transfer(context.Background(), req)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !rec.OK {
		t.Fatal("expected OK record")
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(fake.calls))
	}
	got := fake.calls[0]
	if got.name != "rsync" {
		t.Fatalf("name = %q, want rsync", got.name)
	}
	want := []string{
		"--files-from=/stage/P100/P100.lst",
		"--copy-links",
		"--recursive",
		"--perms",
		"--chmod=ug+rwX,o-rwx",
		"--verbose",
		"--exclude=*rsync.out",
		"--exclude=*rsync.err",
		"/stage/P100/",
		"/delivery/P100",
	}
	if len(got.args) != len(want) {
		t.Fatalf("args = %v, want %v", got.args, want)
	}
	for i := range want {
		if got.args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, got.args[i], want[i])
		}
	}
}

func TestRsyncRemoteDestination(t *testing.T) {
	fake := &fakeRunner{}
	r := NewRsync(zerolog.Nop())
	r.run = fake.run
	r.RemoteUser = "funnel"
	r.RemoteHost = "archive.example.org"

	_, err := r.Transfer(context.Background(), Request{Destination: "/incoming/P100"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	args := fake.calls[0].args
	dest := args[len(args)-1]
	if dest != "funnel@archive.example.org:/incoming/P100" {
		t.Fatalf("dest = %q", dest)
	}
}

func TestRsyncFailurePropagates(t *testing.T) {
	fake := &fakeRunner{err: &RunError{Cmd: "rsync", ExitCode: 23, LogPath: "/log.err"}}
	r := NewRsync(zerolog.Nop())
	r.run = fake.run

	rec, err := r.Transfer(context.Background(), Request{LogPrefix: "/log"})
	if err == nil {
		t.Fatal("expected error")
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.ExitCode != 23 {
		t.Fatalf("error = %v, want RunError exit 23", err)
	}
	if rec.OK {
		t.Fatal("record should not be OK")
	}
}

func TestMoverTransferToken(t *testing.T) {
	fake := &fakeRunner{stdout: "  660ce861-0a0c-46f5-9a3c-b2d1765b7f5f\n"}
	m := NewMover(zerolog.Nop())
	m.run = fake.run

	rec, err := m.Transfer(context.Background(), Request{
		SourceDir:     "/stage/P100_hard",
		RemoteProject: "DELIV123",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if rec.Token != "660ce861-0a0c-46f5-9a3c-b2d1765b7f5f" {
		t.Fatalf("token = %q", rec.Token)
	}
	got := fake.calls[0]
	if got.name != "to_outbox" {
		t.Fatalf("name = %q", got.name)
	}
	if got.args[0] != "/stage/P100_hard" || got.args[1] != "DELIV123" {
		t.Fatalf("args = %v", got.args)
	}
}

func TestMoverTransferEmptyToken(t *testing.T) {
	fake := &fakeRunner{stdout: "\n"}
	m := NewMover(zerolog.Nop())
	m.run = fake.run

	if _, err := m.Transfer(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestMoverPoll(t *testing.T) {
	cases := []struct {
		stdout string
		want   RemoteStatus
	}{
		{"Accepted: waiting for tape\n", RemoteAccepted},
		{"InProgress: copying\n", RemoteInProgress},
		{"Delivered", RemoteDelivered},
		{"Failed: checksum mismatch\n", RemoteFailed},
		{"Mangled output", RemoteUnknown},
		{"", RemoteUnknown},
	}
	for _, tc := range cases {
		fake := &fakeRunner{stdout: tc.stdout}
		m := NewMover(zerolog.Nop())
		m.run = fake.run
		got, err := m.Poll(context.Background(), "tok")
		if err != nil {
			t.Fatalf("Poll(%q): %v", tc.stdout, err)
		}
		if got != tc.want {
			t.Errorf("Poll(%q) = %q, want %q", tc.stdout, got, tc.want)
		}
		args := fake.calls[0].args
		if args[0] != "-i" || args[1] != "tok" {
			t.Errorf("Poll args = %v", args)
		}
	}
}

func TestMoverCheckVersion(t *testing.T) {
	cases := []struct {
		required string
		stdout   string
		wantErr  bool
	}{
		{"", "anything", false},
		{"1.0.0", "moverinfo version 1.0.0 (build 42)", false},
		{"1.0.0", "moverinfo version 0.9.9", true},
		{"1.0.0", "no version here", true},
	}
	for _, tc := range cases {
		fake := &fakeRunner{stdout: tc.stdout}
		m := NewMover(zerolog.Nop())
		m.run = fake.run
		m.RequiredVersion = tc.required
		err := m.CheckVersion(context.Background())
		if (err != nil) != tc.wantErr {
			t.Errorf("CheckVersion(required=%q, stdout=%q) error = %v", tc.required, tc.stdout, err)
		}
	}
}

func TestReadFileList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "P100.lst")
	content := "a/b.fastq.gz\n\n  reports/summary.html  \nP100.md5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := ReadFileList(path)
	if err != nil {
		t.Fatalf("ReadFileList: %v", err)
	}
	want := []string{"a/b.fastq.gz", "reports/summary.html", "P100.md5"}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, files[i], want[i])
		}
	}
}

func TestReadFileListMissing(t *testing.T) {
	if _, err := ReadFileList(filepath.Join(t.TempDir(), "nope.lst")); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunLoggedCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "logs", "P100_rsync")
	stdout, err := runLogged(context.Background(), prefix, "sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("runLogged: %v", err)
	}
	if strings.TrimSpace(stdout) != "out" {
		t.Fatalf("stdout = %q", stdout)
	}
	outData, err := os.ReadFile(prefix + ".out")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(outData)) != "out" {
		t.Fatalf("out log = %q", outData)
	}
	errData, err := os.ReadFile(prefix + ".err")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(errData)) != "err" {
		t.Fatalf("err log = %q", errData)
	}
}

func TestRunLoggedExitCode(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "fail")
	_, err := runLogged(context.Background(), prefix, "sh", "-c", "exit 3")
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("error = %v, want RunError", err)
	}
	if runErr.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", runErr.ExitCode)
	}
}

func TestRunLoggedMissingCommand(t *testing.T) {
	_, err := runLogged(context.Background(), filepath.Join(t.TempDir(), "x"), "definitely-not-a-command-xyz")
	var invErr *InvokeError
	if !errors.As(err, &invErr) {
		t.Fatalf("error = %v, want InvokeError", err)
	}
}

func TestS3PollReportsUploadedTokenDelivered(t *testing.T) {
	s3 := &S3{Bucket: "deliveries"}
	got, err := s3.Poll(context.Background(), "uploaded")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got != RemoteDelivered {
		t.Fatalf("status = %v, want Delivered", got)
	}
	got, err = s3.Poll(context.Background(), "tok-9")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got != RemoteUnknown {
		t.Fatalf("status = %v, want Unknown for a foreign token", got)
	}
}

func TestS3TransferIssuesTokenForDeliveryProject(t *testing.T) {
	// an empty source tree exercises the record without touching the store
	s3 := &S3{Bucket: "deliveries"}
	rec, err := s3.Transfer(context.Background(), Request{
		SourceDir:     t.TempDir(),
		RemoteProject: "DELIV99",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !rec.OK {
		t.Fatal("record not OK")
	}
	if rec.Token != "uploaded" {
		t.Fatalf("token = %q, want uploaded", rec.Token)
	}

	rec, err = s3.Transfer(context.Background(), Request{SourceDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if rec.Token != "" {
		t.Fatalf("token = %q, want none without a delivery project", rec.Token)
	}
}

func TestListTree(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "S1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "S1", "reads.fastq.gz"), []byte("ACGT"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "S1.lst"), []byte("S1/reads.fastq.gz\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := listTree(root)
	if err != nil {
		t.Fatalf("listTree: %v", err)
	}
	want := []string{filepath.Join("S1", "reads.fastq.gz"), "S1.lst"}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("files = %v, want %v", files, want)
		}
	}
}
