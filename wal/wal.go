// Package wal is the audit journal: an fsynced JSON-lines mirror of every
// appended audit event that can be replayed and re-hashed offline.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry represents a single journal line
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Config controls file naming and rotation
type Config struct {
	FilePrefix  string
	MaxFileSize int64
}

// DefaultConfig returns the journal defaults
func DefaultConfig() Config {
	return Config{
		FilePrefix:  "warden-audit",
		MaxFileSize: 64 << 20,
	}
}

// maxLineSize bounds one journal line; audit payloads are capped well below it
const maxLineSize = 4 << 20

// WAL is an append-only journal split across size-rotated files
type WAL struct {
	mu       sync.Mutex
	config   Config
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
}

// Open creates or opens a journal in dir with the default config
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates or opens a journal in dir. The sequence continues
// from the highest one found in existing files.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultConfig().MaxFileSize
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	w := &WAL{config: config, dir: dir}
	seq, err := lastSequence(listFiles(dir, config.FilePrefix))
	if err != nil {
		return nil, err
	}
	w.sequence = seq

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// fileName orders lexically by the first sequence the file holds
func fileName(prefix string, firstSequence int64) string {
	return fmt.Sprintf("%s-%020d.wal", prefix, firstSequence)
}

func (w *WAL) openFile() error {
	path := filepath.Join(w.dir, fileName(w.config.FilePrefix, w.sequence+1))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat journal file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return w.openFile()
}

// Dir is the journal directory
func (w *WAL) Dir() string {
	return w.dir
}

// Sequence returns the last written sequence number
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Close flushes and closes the journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append writes one entry and fsyncs before returning
func (w *WAL) Append(entryType, runID string, data any) (int64, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size >= w.config.MaxFileSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate journal: %w", err)
		}
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  w.sequence + 1,
		Type:      entryType,
		RunID:     runID,
		Data:      jsonData,
	}
	if err := w.writeEntry(entry); err != nil {
		return 0, err
	}
	w.sequence = entry.Sequence
	return entry.Sequence, nil
}

// writeEntry writes a single entry to the journal
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	// Flush immediately for durability
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	w.size += int64(len(line))
	return nil
}

func listFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

func lastSequence(files []string) (int64, error) {
	var last int64
	for _, file := range files {
		err := scanFile(file, func(e *Entry) {
			if e.Sequence > last {
				last = e.Sequence
			}
		})
		if err != nil {
			return 0, fmt.Errorf("scan %s: %w", file, err)
		}
	}
	return last, nil
}

// Reader provides journal replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{
		scanner: scanner,
		file:    file,
	}, nil
}

// Next reads the next entry; io.EOF at the end of the file
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay visits entries written after since, in sequence order, across
// every journal file in dir
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithConfig(dir, DefaultConfig(), since, handler)
}

// ReplayWithConfig is Replay for journals opened with a custom prefix
func ReplayWithConfig(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}

	for _, file := range listFiles(dir, config.FilePrefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
