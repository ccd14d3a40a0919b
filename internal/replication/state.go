package replication

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashd/vault/internal/cidhash"
)

// State is the per-CID replication record from spec.md §3.
type State struct {
	CID               string    `json:"cid"`
	ReplicationFactor int       `json:"replicationFactor"`
	TargetNodes       []string  `json:"targetNodes"`
	ConfirmedNodes    []string  `json:"confirmedNodes"`
	FailedNodes       []string  `json:"failedNodes"`
	LastUpdated       time.Time `json:"lastUpdated"`
	Complete          bool      `json:"complete"`
	IntegrityHash     string    `json:"integrityHash"`
	LastVerified      time.Time `json:"lastVerified"`
}

// canonicalFields returns the ordered tuple the integrity HMAC is computed
// over. Node lists are sorted first so the tag is stable regardless of
// slice ordering.
func (s State) canonicalFields() []string {
	confirmed := append([]string(nil), s.ConfirmedNodes...)
	failed := append([]string(nil), s.FailedNodes...)
	sort.Strings(confirmed)
	sort.Strings(failed)
	return []string{
		s.CID,
		strconv.Itoa(s.ReplicationFactor),
		joinSorted(s.TargetNodes),
		joinSorted(confirmed),
		joinSorted(failed),
		boolStr(s.Complete),
	}
}

func joinSorted(ss []string) string {
	cp := append([]string(nil), ss...)
	sort.Strings(cp)
	out := ""
	for i, s := range cp {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// recomputeIntegrity re-stamps s.IntegrityHash using integrity. Callers must
// call this after any mutation to ConfirmedNodes, FailedNodes, or Complete.
func (s *State) recomputeIntegrity(integrity *cidhash.Integrity) {
	s.IntegrityHash = integrity.Stamp(s.canonicalFields()...)
}

func (s State) verifyIntegrity(integrity *cidhash.Integrity) bool {
	return integrity.Verify(s.IntegrityHash, s.canonicalFields()...)
}

// Store is the durable, HMAC-tagged replication-state ledger. States persist
// as a single JSON collection file; on load, any entry whose integrity tag
// fails to verify is discarded and counted rather than trusted, per
// spec.md's "Replication State" invariant.
type Store struct {
	path      string
	integrity *cidhash.Integrity

	mu     sync.Mutex
	states map[string]State
}

// OpenStore loads (or initializes) the replication-state ledger at path,
// tagging/verifying entries with integrity.
func OpenStore(path string, integrity *cidhash.Integrity) (*Store, int, error) {
	s := &Store{path: path, integrity: integrity, states: make(map[string]State)}
	discarded, err := s.load()
	if err != nil {
		return nil, 0, err
	}
	return s, discarded, nil
}

func (s *Store) load() (int, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var raw map[string]State
	if err := json.Unmarshal(data, &raw); err != nil {
		// A corrupt ledger file is treated as empty; it will be rebuilt
		// opportunistically as writes occur, per spec.md §4.F.
		return 0, nil
	}
	discarded := 0
	for cid, st := range raw {
		if !st.verifyIntegrity(s.integrity) {
			discarded++
			continue
		}
		s.states[cid] = st
	}
	return discarded, nil
}

func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".replication-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	enc := json.NewEncoder(tmp)
	if err := enc.Encode(s.states); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Get returns the current state for cid, if any.
func (s *Store) Get(cid string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[cid]
	return st, ok
}

// NewOrUpdate initializes a fresh state for cid with the given replication
// factor and target set, if none exists yet.
func (s *Store) NewOrUpdate(cid string, r int, targets []string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[cid]
	if !ok {
		st = State{CID: cid, ReplicationFactor: r, TargetNodes: targets, LastUpdated: time.Now()}
	} else {
		st.TargetNodes = targets
		st.ReplicationFactor = r
	}
	st.recomputeIntegrity(s.integrity)
	s.states[cid] = st
	return st, s.persistLocked()
}

// ApplyFanout records a fanout round's confirmed/failed outcomes against
// cid's state, recomputing Complete and the integrity tag.
func (s *Store) ApplyFanout(cid string, result FanoutResult) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[cid]
	st.CID = cid
	st.ConfirmedNodes = mergeUnique(st.ConfirmedNodes, result.Confirmed)
	st.FailedNodes = mergeUnique(subtract(st.FailedNodes, result.Confirmed), result.Failed)
	st.Complete = len(st.ConfirmedNodes) >= st.ReplicationFactor
	st.LastUpdated = time.Now()
	st.recomputeIntegrity(s.integrity)
	s.states[cid] = st
	return st, s.persistLocked()
}

// MarkVerified stamps LastVerified after a successful GC-time peer
// verification pass.
func (s *Store) MarkVerified(cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[cid]
	if !ok {
		return nil
	}
	st.LastVerified = time.Now()
	st.recomputeIntegrity(s.integrity)
	s.states[cid] = st
	return s.persistLocked()
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, v := range existing {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range add {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func subtract(from []string, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, v := range remove {
		drop[v] = true
	}
	out := make([]string, 0, len(from))
	for _, v := range from {
		if !drop[v] {
			out = append(out, v)
		}
	}
	return out
}
