package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/changegate/internal/model"
)

// GenesisHash is the prev_hash for the first entry in a new event log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout used in event timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Log is the append-only JSONL security event log with SHA-256 hash
// chaining. Each event's prev_hash is the hash of the previous JSON line.
type Log struct {
	path     string
	file     *os.File
	prevHash string
	mu       sync.Mutex
}

// Open opens (or creates) an event log for appending. An existing log's
// last line becomes the chain tail.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	prev, err := tailHash(path)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Log{path: path, file: file, prevHash: prev}, nil
}

// Record appends an event with hash chaining and syncs to disk.
// ID and Timestamp are filled in when empty.
func (l *Log) Record(ev model.SecurityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	ev.PrevHash = l.prevHash

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	return nil
}

// List returns the events matching filter. Safe to call while recording.
func (l *Log) List(filter Filter) ([]model.SecurityEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Query(l.path, filter)
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
