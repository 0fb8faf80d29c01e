// Package history keeps an append-only JSONL log of finished action runs.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"tools.zach/dev/bumpmate/internal/action"
	"tools.zach/dev/bumpmate/internal/quota"
)

// NewRunID returns a fresh identifier for one action run.
func NewRunID() string { return uuid.NewString() }

// Record describes one finished run.
type Record struct {
	RunID    string         `json:"run_id"`
	Kind     action.Kind    `json:"kind"`
	Identity string         `json:"identity"`
	Store    string         `json:"store,omitempty"`
	Progress quota.Progress `json:"progress"`
	// TokensUsed counts decrements applied during the run.
	TokensUsed   int64     `json:"tokens_used"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// Log appends records to a JSONL file.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open returns a log writing to path. The file is created on first append.
func Open(path string) *Log {
	return &Log{path: path}
}

// Append writes r as one line.
func (l *Log) Append(r Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append history: %w", err)
	}
	return f.Close()
}

// Tail returns up to n most recent records, oldest first. Malformed lines
// are skipped. A missing file yields no records.
func (l *Log) Tail(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	buf := make([]Record, 0, n)
	idx := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		if len(buf) < n {
			buf = append(buf, r)
		} else {
			buf[idx%n] = r
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	// Reorder the ring so records come out in chronological order.
	if len(buf) < n {
		return buf, nil
	}
	start := idx % n
	ordered := make([]Record, 0, n)
	ordered = append(ordered, buf[start:]...)
	ordered = append(ordered, buf[:start]...)
	return ordered, nil
}
