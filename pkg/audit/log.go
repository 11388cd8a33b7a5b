// Package audit writes the append-only decision trail. Every resolved
// action produces exactly one record, flushed to disk before the dispatch
// call returns, so a crash immediately after an executed action cannot lose
// its trace. Records are line-delimited JSON with stable field order, and
// each record carries a hash chained to its predecessor so tampering and
// truncation are detectable offline.
//
// Audit failure is a safety failure: if the sink cannot accept a record,
// the triggering action fails closed instead of executing unaudited.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hostpilot/warden/pkg/canonicalize"
	"github.com/hostpilot/warden/pkg/fault"
)

// Clock provides timestamps for records. Injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Outcome classifies what actually happened to the action.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeDenied   Outcome = "denied"
	OutcomeExpired  Outcome = "expired"
	OutcomeFailed   Outcome = "failed"
)

// Record is one audit line. Field order is load-bearing: offline tooling
// greps these files, and encoding/json emits struct fields in declaration
// order.
type Record struct {
	Timestamp time.Time `json:"ts"`
	Endpoint  string    `json:"endpoint"`
	SessionID string    `json:"session_id"`
	Verdict   string    `json:"verdict"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Log is the append-only sink. A single mutex serializes appends so the
// file is a valid total order of observed outcomes even under concurrent
// producers.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	lastHash string
	clock    Clock
}

// Open opens (or creates) the log file in append mode and recovers the tail
// hash so the chain continues across process restarts.
func Open(path string, clock Clock) (*Log, error) {
	if clock == nil {
		clock = wallClock{}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	lastHash, err := tailHash(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Log{file: f, lastHash: lastHash, clock: clock}, nil
}

// Append writes one record, chained and flushed. The record's Timestamp,
// PrevHash, and Hash fields are owned by the log and overwritten.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fault.New(fault.KindAuditUnavailable, "audit log is closed")
	}

	rec.Timestamp = l.clock.Now().UTC()
	rec.PrevHash = l.lastHash
	hash, err := recordHash(&rec)
	if err != nil {
		return fault.Wrap(fault.KindAuditUnavailable, "audit record not hashable", err)
	}
	rec.Hash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return fault.Wrap(fault.KindAuditUnavailable, "audit record not serializable", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fault.Wrap(fault.KindAuditUnavailable, "audit write failed", err)
	}
	// Synchronous durability: the record must hit disk before the action's
	// response is produced.
	if err := l.file.Sync(); err != nil {
		return fault.Wrap(fault.KindAuditUnavailable, "audit flush failed", err)
	}

	l.lastHash = hash
	return nil
}

// Ready probes the sink before an action executes, so an unwritable log
// denies the action rather than letting it run unaudited.
func (l *Log) Ready() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fault.New(fault.KindAuditUnavailable, "audit log is closed")
	}
	if err := l.file.Sync(); err != nil {
		return fault.Wrap(fault.KindAuditUnavailable, "audit sink not writable", err)
	}
	return nil
}

// Close flushes and closes the sink. Subsequent appends fail closed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// recordHash hashes every field except Hash itself, through the canonical
// JSON form so the digest is independent of encoder quirks.
func recordHash(rec *Record) (string, error) {
	return canonicalize.Digest(map[string]any{
		"ts":         rec.Timestamp,
		"endpoint":   rec.Endpoint,
		"session_id": rec.SessionID,
		"verdict":    rec.Verdict,
		"request_id": rec.RequestID,
		"outcome":    rec.Outcome,
		"detail":     rec.Detail,
		"prev_hash":  rec.PrevHash,
	})
}

// tailHash reads the last record's hash from an existing log file.
func tailHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("audit: reopen %s: %w", path, err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return "", fmt.Errorf("audit: corrupt tail record: %w", err)
		}
		last = rec.Hash
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return last, nil
}

// Verify replays a log stream and checks both the per-record hashes and the
// chain links. Returns the number of valid records.
func Verify(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	prev := ""
	n := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return n, fmt.Errorf("audit: record %d unparsable: %w", n, err)
		}
		if rec.PrevHash != prev {
			return n, fmt.Errorf("audit: chain broken at record %d: prev_hash mismatch", n)
		}
		want, err := recordHash(&rec)
		if err != nil {
			return n, err
		}
		if want != rec.Hash {
			return n, fmt.Errorf("audit: record %d hash mismatch", n)
		}
		prev = rec.Hash
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, nil
}

// VerifyFile verifies an on-disk log.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Verify(f)
}
