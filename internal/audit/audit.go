// Package audit is an append-only, SHA-256 hash-chained JSON-lines log of
// everything the engine changes on the host: containment actions, baseline
// resets and change acknowledgements.
//
// Each line carries a sequence number, a timestamp, an event kind, a JSON
// payload, the previous line's hash and its own hash:
//
//	event_hash = SHA-256( JSON({seq, ts, kind, payload, prev_hash}) )
//
// The first entry links to GenesisHash. Removing, reordering or editing any
// line breaks the chain, which Open and Verify both detect.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one audit log line.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// content is the hashed subset of Entry.
type content struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

func (e Entry) content() content {
	return content{Seq: e.Seq, Timestamp: e.Timestamp, Kind: e.Kind, Payload: e.Payload, PrevHash: e.PrevHash}
}

// Logger appends to one audit file. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// Open verifies any existing chain at path and positions the Logger after
// its last entry. A broken chain is an error; the file is left untouched.
func Open(path string, opts ...Option) (*Logger, error) {
	l := &Logger{path: path, prevHash: GenesisHash, now: time.Now}
	for _, o := range opts {
		o(l)
	}

	if f, err := os.Open(path); err == nil {
		err = readChain(f, func(e Entry) {
			l.prevHash = e.EventHash
			l.seq = e.Seq
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: open %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	l.file = f
	return l, nil
}

// Path returns the file the Logger writes to.
func (l *Logger) Path() string { return l.path }

// Append encodes v as the payload of a new entry of the given kind.
func (l *Logger) Append(kind string, v any) error {
	_, err := l.Record(kind, v)
	return err
}

// Record is Append returning the written entry.
func (l *Logger) Record(kind string, v any) (Entry, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal %s payload: %w", kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Payload:   payload,
		PrevHash:  l.prevHash,
	}
	e.EventHash = hashContent(e.content())

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}
	l.seq = e.Seq
	l.prevHash = e.EventHash
	return e, nil
}

// Close syncs and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify checks the whole chain at path and returns its entries in order.
// An empty file is valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	if err := readChain(f, func(e Entry) { entries = append(entries, e) }); err != nil {
		return nil, fmt.Errorf("audit: verify %q: %w", path, err)
	}
	return entries, nil
}

// readChain decodes r line by line, calling fn for every entry whose hash
// and linkage check out. It stops at the first bad entry.
func readChain(r io.Reader, fn func(Entry)) error {
	prevHash := GenesisHash
	var seq int64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("malformed entry after seq %d: %w", seq, err)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
		}
		if e.Seq != seq+1 {
			return fmt.Errorf("sequence gap: expected seq %d, got %d", seq+1, e.Seq)
		}
		if computed := hashContent(e.content()); computed != e.EventHash {
			return fmt.Errorf("hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
		}
		fn(e)
		prevHash = e.EventHash
		seq = e.Seq
	}
	return scanner.Err()
}

func hashContent(c content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// every field is plain JSON; unreachable
		panic(fmt.Sprintf("audit: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
