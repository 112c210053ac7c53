package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseTranscript(t *testing.T) {
	vtt := `WEBVTT
X-TIMESTAMP-MAP=LOCAL:00:00:00.000

1
00:00:01.000 --> 00:00:03.000
大家好

2
00:00:03.000 --> 00:00:05.000
大家好

3
00:00:05.000 --> 00:00:08.000
今天讲一个新话题
`
	got := ParseTranscript(vtt)

	if strings.Contains(got, "WEBVTT") {
		t.Error("WEBVTT header survived parsing")
	}
	if strings.Count(got, "大家好") != 1 {
		t.Errorf("duplicate cue text not removed:\n%s", got)
	}
	if !strings.Contains(got, "00:00:05.000 --> 00:00:08.000") {
		t.Error("cue timestamps should be kept as section markers")
	}
	if !strings.Contains(got, "今天讲一个新话题") {
		t.Error("cue text missing from transcript")
	}
}

func TestParseTranscriptEmpty(t *testing.T) {
	if got := ParseTranscript(""); got != "" {
		t.Errorf("ParseTranscript(\"\") = %q, want empty", got)
	}
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()

	oldFile := filepath.Join(dir, "BV1old.mp4")
	newFile := filepath.Join(dir, "BV1new.mp4")
	for _, path := range []string{oldFile, newFile} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldFile, stale, stale); err != nil {
		t.Fatalf("failed to age test file: %v", err)
	}

	removed, err := Sweep(dir, time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep() removed %d files, want 1", removed)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("stale file still present after sweep")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Error("fresh file was swept")
	}
}

func TestSweepMissingDir(t *testing.T) {
	removed, err := Sweep(filepath.Join(t.TempDir(), "nope"), time.Hour)
	if err != nil {
		t.Fatalf("Sweep() on missing dir error = %v", err)
	}
	if removed != 0 {
		t.Errorf("Sweep() on missing dir removed %d, want 0", removed)
	}
}
