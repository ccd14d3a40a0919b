// Package blocklist implements the node-local, operator-editable CID
// blocklist consulted by the write path (local uploads) and by incoming
// replication intake (peer-pushed blobs), per spec.md §4.F/§4.I.
package blocklist

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// List is a thread-safe, in-memory set of blocked CIDs.
type List struct {
	mu   sync.RWMutex
	cids map[string]bool
}

// NewList returns a List seeded with the given CIDs.
func NewList(seed []string) *List {
	l := &List{cids: make(map[string]bool, len(seed))}
	for _, cid := range seed {
		l.cids[cid] = true
	}
	return l
}

// Contains reports whether cid is blocked. Safe for concurrent use as the
// func value passed to writepath.Pipeline.IsBlocked and replication.NewIntake.
func (l *List) Contains(cid string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cids[cid]
}

// Add blocks cid.
func (l *List) Add(cid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cids[cid] = true
}

// Remove unblocks cid.
func (l *List) Remove(cid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cids, cid)
}

// All returns a snapshot of every blocked CID, in no particular order.
func (l *List) All() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.cids))
	for cid := range l.cids {
		out = append(out, cid)
	}
	return out
}

// LoadFile reads a newline-separated CID blocklist: one CID per line, blank
// lines and "#"-prefixed comments ignored. A missing file is not an error —
// an operator who never created one simply starts with an empty blocklist.
func LoadFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocklist: open %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("blocklist: read %s: %w", path, err)
	}
	return out, nil
}
