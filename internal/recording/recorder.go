// Package recording captures a hosted session in asciicast v2 format.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/acolita/clihost/internal/ports"
)

// Recorder writes terminal I/O as asciicast v2 events.
// See: https://docs.asciinema.org/manual/asciicast/v2/
//
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	mu        sync.Mutex
	file      ports.FileHandle
	startTime time.Time
	closed    bool
	clock     ports.Clock

	// trailing bytes of an incomplete UTF-8 sequence from the last output chunk
	pending []byte
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64 `json:"-"`
	Type string  `json:"-"`
	Data string  `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// Options describes the session being recorded.
type Options struct {
	Dir    string   // directory for .cast files
	Argv   []string // hosted command
	Width  int
	Height int
}

// NewRecorder creates a new .cast file under opts.Dir and writes its header.
func NewRecorder(opts Options, fs ports.FileSystem, clock ports.Clock) (*Recorder, error) {
	if err := fs.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	name := "session"
	if len(opts.Argv) > 0 {
		name = filepath.Base(opts.Argv[0])
	}
	filename := fmt.Sprintf("clihost_%s_%s.cast", name, clock.Now().Format("20060102_150405"))
	fullPath := filepath.Join(opts.Dir, filename)

	file, err := fs.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	r := &Recorder{
		file:      file,
		startTime: clock.Now(),
		clock:     clock,
	}

	header := Header{
		Version:   2,
		Width:     opts.Width,
		Height:    opts.Height,
		Timestamp: r.startTime.Unix(),
		Command:   strings.Join(opts.Argv, " "),
		Env: map[string]string{
			"SHELL": fs.Getenv("SHELL"),
			"TERM":  fs.Getenv("TERM"),
		},
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	if _, err := file.Write(append(headerJSON, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return r, nil
}

// RecordOutput records output data (child -> terminal).
func (r *Recorder) RecordOutput(data string) error {
	return r.record("o", data)
}

// RecordInput records input data (injected -> child).
func (r *Recorder) RecordInput(data string) error {
	return r.record("i", data)
}

// RecordResize records a terminal size change.
func (r *Recorder) RecordResize(cols, rows int) error {
	return r.record("r", fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) record(eventType, data string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked(eventType, data)
}

func (r *Recorder) recordLocked(eventType, data string) error {
	if r.closed {
		return nil
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := r.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// Output returns a writer that records everything written to it as output
// events. A rune split across two writes is held back until it is complete.
// Write never fails, so the writer can sit in an io.MultiWriter next to the
// terminal.
func (r *Recorder) Output() io.Writer {
	if r == nil {
		return io.Discard
	}
	return outputWriter{r}
}

type outputWriter struct{ r *Recorder }

func (w outputWriter) Write(p []byte) (int, error) {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()

	data := append(r.pending, p...)
	cut := incompleteSuffix(data)
	r.pending = append([]byte(nil), data[len(data)-cut:]...)
	if chunk := data[:len(data)-cut]; len(chunk) > 0 {
		_ = r.recordLocked("o", string(chunk))
	}
	return len(p), nil
}

// incompleteSuffix returns how many trailing bytes of b form the start of a
// UTF-8 sequence that is not yet complete.
func incompleteSuffix(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if c < utf8.RuneSelf {
			return 0
		}
		if utf8.FullRune(b[len(b)-i:]) {
			return 0
		}
		return i
	}
	return 0
}

// Close flushes pending output and closes the file. It is idempotent.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if len(r.pending) > 0 {
		_ = r.recordLocked("o", string(r.pending))
		r.pending = nil
	}
	r.closed = true

	return r.file.Close()
}

// Path returns the path to the recording file.
func (r *Recorder) Path() string {
	if r == nil || r.file == nil {
		return ""
	}
	return r.file.Name()
}
