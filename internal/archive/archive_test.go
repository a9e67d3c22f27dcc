package archive_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hansard/internal/archive"
	"hansard/internal/store"
)

func testMeeting() *store.Meeting {
	return &store.Meeting{
		ID:           1,
		Municipality: "rivervale",
		ExternalID:   "2026-03-10-Regular",
		Title:        "Regular Council Meeting",
	}
}

func TestMeetingDirSanitizesComponents(t *testing.T) {
	layout := archive.NewLayoutAt(t.TempDir())
	meeting := testMeeting()
	meeting.ExternalID = "2026/03/10 special"

	dir := layout.MeetingDir(meeting)
	rel, err := filepath.Rel(layout.Root(), dir)
	if err != nil {
		t.Fatalf("Rel: %v", err)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 {
		t.Fatalf("expected municipality/external-id, got %q", rel)
	}
	if strings.ContainsAny(parts[1], "/ ") {
		t.Fatalf("external id not sanitized: %q", parts[1])
	}
}

func TestEnsureMeetingDirCreatesTree(t *testing.T) {
	layout := archive.NewLayoutAt(t.TempDir())
	meeting := testMeeting()

	dir, err := layout.EnsureMeetingDir(meeting)
	if err != nil {
		t.Fatalf("EnsureMeetingDir: %v", err)
	}
	for _, sub := range []string{"documents", "audio"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Fatalf("missing archive subdirectory %s: %v", sub, err)
		}
	}
}

func TestDocumentPathKeepsSourceName(t *testing.T) {
	layout := archive.NewLayoutAt(t.TempDir())
	meeting := testMeeting()

	path := layout.DocumentPath(meeting, store.DocAgenda, "https://rivervale.civicweb.net/documents/Agenda-Mar-10.pdf?download=1")
	if filepath.Ext(path) != ".pdf" {
		t.Fatalf("expected pdf extension: %q", path)
	}
	if !strings.Contains(filepath.Base(path), "agenda") {
		t.Fatalf("expected source name preserved: %q", path)
	}

	// URLs without a usable name fall back to the document kind.
	fallback := layout.DocumentPath(meeting, store.DocMinutes, "https://rivervale.civicweb.net/")
	if !strings.Contains(filepath.Base(fallback), "minutes") {
		t.Fatalf("expected kind fallback: %q", fallback)
	}
}

func TestWriteFileIsAtomicAndSticky(t *testing.T) {
	layout := archive.NewLayoutAt(t.TempDir())
	meeting := testMeeting()

	path := layout.TranscriptPath(meeting)
	if layout.HasTranscript(meeting) {
		t.Fatal("transcript should not exist before write")
	}
	if err := layout.WriteFile(path, []byte(`{"segments":[]}`)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !layout.HasTranscript(meeting) {
		t.Fatal("transcript should exist after write")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".hansard-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestWriteJSONRoundTrip(t *testing.T) {
	layout := archive.NewLayoutAt(t.TempDir())
	meeting := testMeeting()

	payload := map[string]any{"speakers": []string{"SPEAKER_00", "SPEAKER_01"}}
	if err := layout.WriteJSON(layout.DiarizationPath(meeting), payload); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var decoded struct {
		Speakers []string `json:"speakers"`
	}
	if err := layout.ReadJSON(layout.DiarizationPath(meeting), &decoded); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(decoded.Speakers) != 2 {
		t.Fatalf("round trip lost data: %#v", decoded)
	}
}

func TestWriteStream(t *testing.T) {
	layout := archive.NewLayoutAt(t.TempDir())
	meeting := testMeeting()

	n, err := layout.WriteStream(layout.AudioPath(meeting), strings.NewReader("RIFF....WAVE"))
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12 bytes written, got %d", n)
	}
	if !layout.HasAudio(meeting) {
		t.Fatal("audio should exist after stream write")
	}
}

func TestHasDocuments(t *testing.T) {
	layout := archive.NewLayoutAt(t.TempDir())
	meeting := testMeeting()

	if layout.HasDocuments(meeting) {
		t.Fatal("no documents expected before write")
	}
	path := layout.DocumentPath(meeting, store.DocAgenda, "https://example.com/agenda.pdf")
	if err := layout.WriteFile(path, []byte("%PDF-1.4")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !layout.HasDocuments(meeting) {
		t.Fatal("documents expected after write")
	}
}
