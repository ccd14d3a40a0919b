package chain

import (
	"context"
	"sync"
)

// Mock is a deterministic in-memory Client double for unit and integration
// tests — the chain equivalent of the teacher's httptest-backed coordinator
// stubs, since there is no real chain to dial in tests.
type Mock struct {
	mu       sync.RWMutex
	nodes    map[string]NodeRecord
	members  map[string]map[string]bool // groupToken -> sender -> isMember
	groups   map[string]GroupInfo       // tokenAddress -> group
	posts    map[string]bool            // cid -> exists
	messages map[string]bool            // cid -> exists
}

// NewMock returns an empty Mock ready for test setup via its Set* helpers.
func NewMock() *Mock {
	return &Mock{
		nodes:    make(map[string]NodeRecord),
		members:  make(map[string]map[string]bool),
		groups:   make(map[string]GroupInfo),
		posts:    make(map[string]bool),
		messages: make(map[string]bool),
	}
}

// SetNode registers a node record for IsNodeActive/GetNode to return.
func (m *Mock) SetNode(nodeIDHash string, rec NodeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeIDHash] = rec
}

// SetMember marks sender as a member (or not) of groupToken.
func (m *Mock) SetMember(groupToken, sender string, isMember bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[groupToken] == nil {
		m.members[groupToken] = make(map[string]bool)
	}
	m.members[groupToken][sender] = isMember
}

// SetGroup registers a group's on-chain record for GetGroupByToken.
func (m *Mock) SetGroup(tokenAddress string, info GroupInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[tokenAddress] = info
}

// SetPostExists marks a CID as having (or not having) an on-chain post/comment.
func (m *Mock) SetPostExists(cid string, exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[cid] = exists
}

// SetMessageExists marks a CID as having (or not having) an on-chain message.
func (m *Mock) SetMessageExists(cid string, exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[cid] = exists
}

func (m *Mock) IsNodeActive(_ context.Context, nodeIDHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.nodes[nodeIDHash]
	return ok && rec.Active, nil
}

func (m *Mock) GetNode(_ context.Context, nodeIDHash string) (NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[nodeIDHash], nil
}

func (m *Mock) IsMember(_ context.Context, sender, groupToken string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[groupToken][sender], nil
}

func (m *Mock) GetGroupByToken(_ context.Context, tokenAddress string) (GroupInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[tokenAddress], nil
}

func (m *Mock) GetPostByCID(_ context.Context, cid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.posts[cid], nil
}

func (m *Mock) GetMessageByCID(_ context.Context, cid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messages[cid], nil
}

func (m *Mock) RegisterNode(_ context.Context, rec NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[rec.NodeID] = rec
	return nil
}
