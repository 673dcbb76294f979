package codesync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

const modernStats = `
Number of files: 5 (reg: 4, dir: 1)
Number of created files: 4 (reg: 4)
Number of deleted files: 0
Number of regular files transferred: 4
Total file size: 9,999 bytes
Total transferred file size: 1,234 bytes
Literal data: 1,234 bytes
Matched data: 0 bytes
File list size: 0
File list generation time: 0.001 seconds
File list transfer time: 0.000 seconds
Total bytes sent: 1,456
Total bytes received: 95

sent 1,456 bytes  received 95 bytes  3,102.00 bytes/sec
total size is 1,234  speedup is 0.80
`

const legacyStats = `
Number of files: 5
Number of files transferred: 4
Total file size: 9999 bytes
Total transferred file size: 1234 bytes
Literal data: 1234 bytes
Matched data: 0 bytes
File list size: 120
Total bytes sent: 1456
Total bytes received: 95
`

// TestParseTransferStats covers both the current and the legacy summary
// labels.
func TestParseTransferStats(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		wantFiles int
		wantBytes int64
	}{
		{"modern labels", modernStats, 4, 1234},
		{"legacy labels", legacyStats, 4, 1234},
		{"no summary", "some unrelated output\n", 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files, bytes := parseTransferStats(tc.out)
			if files != tc.wantFiles {
				t.Errorf("files = %d, want %d", files, tc.wantFiles)
			}
			if bytes != tc.wantBytes {
				t.Errorf("bytes = %d, want %d", bytes, tc.wantBytes)
			}
		})
	}
}

// TestMirrorArgv verifies flag order: transport first, includes before
// excludes, then source and destination by direction.
func TestMirrorArgv(t *testing.T) {
	d := Descriptor{
		Direction: DirectionPush,
		LocalPath: "/work/src",
		Include:   []string{"*.go"},
		Exclude:   []string{".git"},
	}
	got := mirrorArgv(d, "host:/dst", []string{"-e", "ssh -p 2222"})
	want := []string{
		"rsync", "-a", "--delete", "--stats",
		"-e", "ssh -p 2222",
		"--include=*.go", "--exclude=.git",
		"/work/src/", "host:/dst",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("push argv = %v, want %v", got, want)
	}

	d.Direction = DirectionPull
	d.Include, d.Exclude = nil, nil
	got = mirrorArgv(d, "host:/dst", nil)
	want = []string{"rsync", "-a", "--delete", "--stats", "host:/dst/", "/work/src"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("pull argv = %v, want %v", got, want)
	}
}

type mirrorHost struct{}

func (mirrorHost) ID() string                         { return "m1" }
func (mirrorHost) Name() string                       { return "m1" }
func (mirrorHost) Backend() string                    { return "test" }
func (mirrorHost) Addr() string                       { return "" }
func (mirrorHost) Dir() string                        { return "" }
func (mirrorHost) Reachable(ctx context.Context) bool { return true }
func (mirrorHost) Destroy(ctx context.Context) error  { return nil }

func (mirrorHost) Execute(ctx context.Context, argv []string, timeout time.Duration) (backend.CommandResult, error) {
	return backend.CommandResult{}, nil
}

func (mirrorHost) MirrorTarget(path string) (string, []string, error) {
	return path, nil, nil
}

// TestMirror_RoundTrip runs a real transfer: excluded files stay behind,
// stale destination files are deleted, and the parsed counts reflect what
// moved.
func TestMirror_RoundTrip(t *testing.T) {
	if _, err := exec.LookPath("rsync"); err != nil {
		t.Skip("rsync not installed")
	}

	src, dst := t.TempDir(), t.TempDir()
	writeMirrorFile(t, src, "a.txt", "alpha\n")
	writeMirrorFile(t, src, filepath.Join("nested", "b.txt"), "beta\n")
	writeMirrorFile(t, src, "skip.log", "noise\n")
	writeMirrorFile(t, dst, "stale.txt", "gone soon\n")

	eng := NewEngine(nil)
	res, err := eng.Sync(context.Background(), mirrorHost{}, Descriptor{
		Direction:  DirectionPush,
		Mode:       ModeMirror,
		LocalPath:  src,
		RemotePath: dst,
		Exclude:    []string{"*.log"},
		Timeout:    30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	for _, name := range []string{"a.txt", filepath.Join("nested", "b.txt")} {
		if _, err := os.Stat(filepath.Join(dst, name)); err != nil {
			t.Errorf("destination missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dst, "skip.log")); err == nil {
		t.Error("excluded skip.log was transferred")
	}
	if _, err := os.Stat(filepath.Join(dst, "stale.txt")); err == nil {
		t.Error("stale.txt survived a delete-aware transfer")
	}
	if res.FilesTransferred != 2 {
		t.Errorf("FilesTransferred = %d, want 2", res.FilesTransferred)
	}
	if res.BytesTransferred <= 0 {
		t.Errorf("BytesTransferred = %d, want > 0", res.BytesTransferred)
	}
}

func writeMirrorFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}
