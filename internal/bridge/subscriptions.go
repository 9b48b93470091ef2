// ABOUTME: Two-way index between bridge nodes and the sessions they follow
// ABOUTME: Both directions change under one lock so neither can outlive the other

package bridge

import (
	"slices"
	"sync"
)

// Subscriptions links node ids to session keys in both directions.
type Subscriptions struct {
	mu        sync.Mutex
	byNode    map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
}

// NewSubscriptions creates an empty index.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		byNode:    make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Subscribe links nodeID to sessionKey. Repeated calls are no-ops.
func (s *Subscriptions) Subscribe(nodeID, sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link(s.byNode, nodeID, sessionKey)
	link(s.bySession, sessionKey, nodeID)
}

// Unsubscribe removes one link.
func (s *Subscriptions) Unsubscribe(nodeID, sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlink(s.byNode, nodeID, sessionKey)
	unlink(s.bySession, sessionKey, nodeID)
}

// RemoveNode drops every link of nodeID and returns the sessions it followed.
func (s *Subscriptions) RemoveNode(nodeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.byNode[nodeID]
	delete(s.byNode, nodeID)

	out := make([]string, 0, len(sessions))
	for key := range sessions {
		unlink(s.bySession, key, nodeID)
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

// NodesFor returns the nodes subscribed to sessionKey, sorted.
func (s *Subscriptions) NodesFor(sessionKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.bySession[sessionKey])
}

// SessionsFor returns the sessions nodeID follows, sorted.
func (s *Subscriptions) SessionsFor(nodeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.byNode[nodeID])
}

func link(index map[string]map[string]struct{}, from, to string) {
	set, ok := index[from]
	if !ok {
		set = make(map[string]struct{})
		index[from] = set
	}
	set[to] = struct{}{}
}

func unlink(index map[string]map[string]struct{}, from, to string) {
	set, ok := index[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(index, from)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
