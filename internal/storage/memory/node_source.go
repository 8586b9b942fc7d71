package memory

import (
	"context"
	"sync"

	"github.com/meshboard/meshboard/internal/federation"
)

// NodeSource is an in-memory federation.NodeSource. Production deployments
// serve the node list from the dashboard's own node store; this keeps the
// federation service runnable without one.
type NodeSource struct {
	mu    sync.RWMutex
	nodes []federation.NodeInfo
}

// NewNodeSource constructs a NodeSource with an optional initial node set.
func NewNodeSource(nodes ...federation.NodeInfo) *NodeSource {
	return &NodeSource{nodes: nodes}
}

// ListNodes returns a copy of the current node set.
func (s *NodeSource) ListNodes(_ context.Context) ([]federation.NodeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]federation.NodeInfo, len(s.nodes))
	copy(out, s.nodes)
	return out, nil
}

// SetNodes replaces the node set.
func (s *NodeSource) SetNodes(nodes []federation.NodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nodes
}
