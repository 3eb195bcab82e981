package wal

import (
	"errors"
	"io"
	"os"
)

// Stats summarizes the journal files of a directory
type Stats struct {
	TotalFiles     int   `json:"total_files"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
	Entries        int64 `json:"entries"`
	FirstSequence  int64 `json:"first_sequence"`
	LastSequence   int64 `json:"last_sequence"`
	// Gaps counts missing sequence numbers between consecutive entries
	Gaps int64 `json:"gaps"`
}

// GetStats returns statistics of the open journal
func (w *WAL) GetStats() (Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return Stats{}, err
	}
	return GetStatsFromDir(w.dir, w.config)
}

// GetStatsFromDir scans every journal file in dir
func GetStatsFromDir(dir string, config Config) (Stats, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}

	var stats Stats
	files := listFiles(dir, config.FilePrefix)
	stats.TotalFiles = len(files)

	var prev int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			stats.TotalSizeBytes += info.Size()
		}
		if err := scanFile(file, func(e *Entry) {
			stats.Entries++
			if stats.FirstSequence == 0 {
				stats.FirstSequence = e.Sequence
			}
			if prev != 0 && e.Sequence > prev+1 {
				stats.Gaps += e.Sequence - prev - 1
			}
			if e.Sequence > stats.LastSequence {
				stats.LastSequence = e.Sequence
			}
			prev = e.Sequence
		}); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func scanFile(path string, fn func(*Entry)) error {
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
			return err
		}
		fn(entry)
	}
}
