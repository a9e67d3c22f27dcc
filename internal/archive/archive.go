// Package archive manages the on-disk layout of acquired meeting assets.
//
// Every meeting owns one directory under the archive root, keyed by
// municipality and the source system's external identifier:
//
//	<archive_root>/<municipality>/<external-id>/
//	    documents/   downloaded source documents (agenda, minutes, bylaws)
//	    audio/       extracted meeting audio
//	    transcript.json
//	    diarization.json
//
// All writes go through a temp-file-then-rename step so a crashed run
// never leaves a partially written asset behind.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"hansard/internal/config"
	"hansard/internal/store"
	"hansard/internal/textutil"
)

const (
	documentsDir    = "documents"
	audioDir        = "audio"
	transcriptFile  = "transcript.json"
	diarizationFile = "diarization.json"
	audioFile       = "meeting.wav"
)

// Layout resolves and creates per-meeting archive directories.
type Layout struct {
	root string
}

// NewLayout returns a Layout rooted at the configured archive directory.
func NewLayout(cfg *config.Config) *Layout {
	return &Layout{root: cfg.Paths.ArchiveDir}
}

// NewLayoutAt returns a Layout rooted at an explicit directory (used in tests).
func NewLayoutAt(root string) *Layout {
	return &Layout{root: root}
}

// Root returns the archive root directory.
func (l *Layout) Root() string {
	return l.root
}

// MeetingDir returns the directory for a meeting without creating it.
func (l *Layout) MeetingDir(meeting *store.Meeting) string {
	municipality := textutil.SanitizeToken(meeting.Municipality)
	external := textutil.SanitizeToken(meeting.ExternalID)
	return filepath.Join(l.root, municipality, external)
}

// EnsureMeetingDir creates the meeting directory tree and returns its path.
func (l *Layout) EnsureMeetingDir(meeting *store.Meeting) (string, error) {
	dir := l.MeetingDir(meeting)
	for _, sub := range []string{documentsDir, audioDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create archive directory: %w", err)
		}
	}
	return dir, nil
}

// DocumentPath returns the archive path for a document of the given kind.
// The filename keeps the URL's base name when one exists so a reader can
// match archived files back to their source.
func (l *Layout) DocumentPath(meeting *store.Meeting, kind, sourceURL string) string {
	var name string
	if parsed, err := url.Parse(sourceURL); err == nil {
		trimmed := strings.TrimRight(parsed.Path, "/")
		if trimmed != "" {
			name = path.Base(trimmed)
		}
	}
	ext := strings.ToLower(path.Ext(name))
	sanitized := textutil.SanitizeToken(strings.TrimSuffix(name, path.Ext(name)))
	if name == "" || sanitized == "unknown" {
		sanitized = textutil.SanitizeToken(kind)
	}
	if ext == "" {
		ext = ".pdf"
	}
	return filepath.Join(l.MeetingDir(meeting), documentsDir, sanitized+ext)
}

// AudioPath returns the archive path for the meeting's extracted audio.
func (l *Layout) AudioPath(meeting *store.Meeting) string {
	return filepath.Join(l.MeetingDir(meeting), audioDir, audioFile)
}

// TranscriptPath returns the archive path of the aligned transcript JSON.
func (l *Layout) TranscriptPath(meeting *store.Meeting) string {
	return filepath.Join(l.MeetingDir(meeting), transcriptFile)
}

// DiarizationPath returns the archive path of the raw diarization JSON.
func (l *Layout) DiarizationPath(meeting *store.Meeting) string {
	return filepath.Join(l.MeetingDir(meeting), diarizationFile)
}

// HasAudio reports whether the meeting's audio file exists on disk.
func (l *Layout) HasAudio(meeting *store.Meeting) bool {
	return FileExists(l.AudioPath(meeting))
}

// HasTranscript reports whether an aligned transcript has been archived.
func (l *Layout) HasTranscript(meeting *store.Meeting) bool {
	return FileExists(l.TranscriptPath(meeting))
}

// HasDocuments reports whether any documents have been archived for the meeting.
func (l *Layout) HasDocuments(meeting *store.Meeting) bool {
	entries, err := os.ReadDir(filepath.Join(l.MeetingDir(meeting), documentsDir))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return true
		}
	}
	return false
}

// WriteFile writes data to path atomically, creating parent directories.
func (l *Layout) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hansard-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize file: %w", err)
	}
	return nil
}

// WriteStream copies r to path atomically, returning the bytes written.
func (l *Layout) WriteStream(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hansard-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("stream to temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("finalize file: %w", err)
	}
	return written, nil
}

// WriteJSON marshals v with indentation and writes it atomically to path.
func (l *Layout) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return l.WriteFile(path, append(data, '\n'))
}

// ReadJSON reads name and unmarshals it into v. Returns ErrNotArchived when
// the asset has not been written.
func (l *Layout) ReadJSON(name string, v any) error {
	data, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", filepath.Base(name), ErrNotArchived)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	return nil
}

// FileExists reports whether path is a non-empty regular file. Update
// detection treats a zero-byte file as absent so an interrupted write
// is re-fetched.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}

// ErrNotArchived indicates a requested asset has not been written yet.
var ErrNotArchived = errors.New("asset not archived")
