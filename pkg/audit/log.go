package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// Log is the append-only decision record. It is the only history store:
// cooldown, rate-limit and amount-limit decisions are reconstructed
// entirely from it, so appends must be atomic and ordered and nothing
// ever rewrites a prior record.
type Log interface {
	Append(ctx context.Context, entry models.AuditEntry) error
	// Recent returns entries at or after since, oldest first. A non-empty
	// source restricts the read to that proposer's history.
	Recent(ctx context.Context, source string, since time.Time) ([]models.AuditEntry, error)
}

// FileLog writes one JSON record per line into day-partitioned files
// (audit-YYYY-MM-DD.jsonl) under Dir. Files are opened O_APPEND and each
// record is synced before Append returns, so a parseable prefix survives
// a crash and concurrent appends never interleave partial records.
type FileLog struct {
	dir string
	mu  sync.Mutex

	// Now is a testable clock.
	Now func() time.Time
}

func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileLog{dir: dir, Now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *FileLog) Append(ctx context.Context, entry models.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.Now()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	path := l.dayPath(entry.Timestamp)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}

func (l *FileLog) Recent(ctx context.Context, source string, since time.Time) ([]models.AuditEntry, error) {
	now := l.Now()
	var out []models.AuditEntry
	for day := since.UTC().Truncate(24 * time.Hour); !day.After(now); day = day.Add(24 * time.Hour) {
		entries, err := l.readDay(l.dayPath(day))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Timestamp.Before(since) {
				continue
			}
			if source != "" && e.TxRequest.Source != source {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// Day returns every entry recorded on the given UTC day, for forensic
// review endpoints.
func (l *FileLog) Day(ctx context.Context, day time.Time) ([]models.AuditEntry, error) {
	return l.readDay(l.dayPath(day))
}

func (l *FileLog) dayPath(t time.Time) string {
	return filepath.Join(l.dir, "audit-"+t.UTC().Format("2006-01-02")+".jsonl")
}

func (l *FileLog) readDay(path string) ([]models.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	var out []models.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt audit record in %s: %w", filepath.Base(path), err)
		}
		out = append(out, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit file: %w", err)
	}
	return out, nil
}
