// Package audit keeps an append-only, SHA-256 hash-chained ledger of
// configuration revisions. Every load, reload and save of the settings file
// appends one JSON line; `rewriter audit` walks the chain and reports the
// first entry that was altered, removed or reordered.
//
// # Hash chain
//
// The hash of entry N is
//
//	SHA-256( JSON({seq, ts, revision, prev_hash}) )
//
// and the first entry uses GenesisHash as its prev_hash.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single ledger line.
const maxLine = 1 << 20

// Revision describes one observed version of the settings file.
type Revision struct {
	// Trigger is what caused the revision: "load", "reload" or "save".
	Trigger string `json:"trigger"`
	// Path is the settings file.
	Path string `json:"path"`
	// Digest is the hex SHA-256 of the settings file bytes.
	Digest string `json:"digest"`
	// Rules is the number of usable rules.
	Rules int `json:"rules"`
	// Rejected is the number of file updates that did not compile.
	Rejected int `json:"rejected"`
	// PollFrequency is the effective poll frequency.
	PollFrequency string `json:"poll_frequency,omitempty"`
}

// Entry is one ledger line.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Revision  Revision  `json:"revision"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// content is the hashed part of an Entry.
type content struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Revision  Revision  `json:"revision"`
	PrevHash  string    `json:"prev_hash"`
}

func (e Entry) content() content {
	return content{Seq: e.Seq, Timestamp: e.Timestamp, Revision: e.Revision, PrevHash: e.PrevHash}
}

// ChainError reports where a ledger stopped verifying.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Ledger appends revisions to a ledger file. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the ledger at path. An existing ledger is verified
// first so the chain continues from its last entry; a broken chain is an
// error.
func Open(path string) (*Ledger, error) {
	prevHash, seq := GenesisHash, int64(0)

	entries, err := Verify(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case len(entries) > 0:
		last := entries[len(entries)-1]
		prevHash, seq = last.Hash, last.Seq
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Ledger{file: f, prevHash: prevHash, seq: seq}, nil
}

// Record appends rev and returns the written entry.
func (l *Ledger) Record(rev Revision) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: time.Now().UTC(),
		Revision:  rev,
		PrevHash:  l.prevHash,
	}
	e.Hash = hashContent(e.content())

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = e.Seq
	l.prevHash = e.Hash
	return e, nil
}

// Close syncs and closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the ledger at path and checks every link of the chain. It
// returns the entries in order; a missing file returns an error wrapping
// os.ErrNotExist and an empty file returns no entries.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()
	return verify(f)
}

func verify(r io.Reader) ([]Entry, error) {
	var entries []Entry
	prevHash, seq := GenesisHash, int64(0)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, &ChainError{Seq: seq + 1, Reason: fmt.Sprintf("malformed entry: %v", err)}
		}
		if e.Seq != seq+1 {
			return nil, &ChainError{Seq: seq + 1, Reason: fmt.Sprintf("unexpected seq %d", e.Seq)}
		}
		if e.PrevHash != prevHash {
			return nil, &ChainError{Seq: e.Seq, Reason: "prev_hash does not match previous entry"}
		}
		if computed := hashContent(e.content()); computed != e.Hash {
			return nil, &ChainError{Seq: e.Seq, Reason: "hash does not match content"}
		}

		entries = append(entries, e)
		prevHash, seq = e.Hash, e.Seq
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return entries, nil
}

// hashContent returns the hex SHA-256 of the JSON encoding of c.
func hashContent(c content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// content holds only JSON-safe fields.
		panic(fmt.Sprintf("audit: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
