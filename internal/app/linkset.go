package app

import (
	"sync"

	"camrelay/internal/core"
)

// LinkSet is the global set of open peer links. Cleanup removes a link
// from the set before closing it so a concurrent sweep never closes the
// same link twice.
type LinkSet struct {
	mu    sync.Mutex
	links map[core.PeerLink]struct{}
}

func NewLinkSet() *LinkSet {
	return &LinkSet{links: make(map[core.PeerLink]struct{})}
}

func (s *LinkSet) Add(l core.PeerLink) {
	s.mu.Lock()
	s.links[l] = struct{}{}
	s.mu.Unlock()
}

// Remove reports whether the link was still a member.
func (s *LinkSet) Remove(l core.PeerLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[l]; !ok {
		return false
	}
	delete(s.links, l)
	return true
}

func (s *LinkSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}
