// Package cluster implements the node registry and partition table: the
// cluster-state half of the control plane (spec §3, §4.1).
package cluster

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Role is the node variant, polymorphic per §3.
type Role int

const (
	RoleMaster Role = iota
	RoleStorage
	RoleClient
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleStorage:
		return "storage"
	case RoleClient:
		return "client"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// State is a node's lifecycle state, broadcast by the primary master.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateRunning
	StateTemporarilyDown
	StateDown
	StateBroken
	StateHidden
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateTemporarilyDown:
		return "temporarily-down"
	case StateDown:
		return "down"
	case StateBroken:
		return "broken"
	case StateHidden:
		return "hidden"
	default:
		return "unknown"
	}
}

// UUID is a node's persistent 16-byte identity.
type UUID [16]byte

func (u UUID) String() string { return uuid.UUID(u).String() }

func (u UUID) IsZero() bool { return u == UUID{} }

// NewUUID generates a fresh random node identity.
func NewUUID() UUID {
	return UUID(uuid.New())
}

// Node is one cluster member: a master, storage, client or admin process.
type Node struct {
	UUID    UUID
	Role    Role
	Address string // host:port, empty for clients
	State   State
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)@%s[%s]", n.Role, n.UUID, n.Address, n.State)
}

// NodeManager is the registry of every node the local process knows about.
// It is read far more often than written, so reads take an RLock.
type NodeManager struct {
	mu    sync.RWMutex
	byID  map[UUID]*Node
}

func NewNodeManager() *NodeManager {
	return &NodeManager{byID: make(map[UUID]*Node)}
}

// Upsert creates or updates a node's record. Nodes are never silently
// removed: §3 says removal only happens when the master explicitly drops
// one, via Remove.
func (m *NodeManager) Upsert(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.byID[n.UUID] = &cp
}

func (m *NodeManager) Get(id UUID) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

func (m *NodeManager) Remove(id UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

func (m *NodeManager) SetState(id UUID, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.byID[id]; ok {
		n.State = state
	}
}

// ByRole returns a snapshot of every node with the given role.
func (m *NodeManager) ByRole(role Role) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Node
	for _, n := range m.byID {
		if n.Role == role {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

// All returns a snapshot of the full roster, for NotifyNodeInformation fan-out.
func (m *NodeManager) All() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.byID))
	for _, n := range m.byID {
		cp := *n
		out = append(out, &cp)
	}
	return out
}
