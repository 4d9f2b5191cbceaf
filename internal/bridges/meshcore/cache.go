package meshcore

import (
	"sort"
	"sync"
)

// defaultMaxMessages bounds the in-memory message history when the caller
// does not configure a limit.
const defaultMaxMessages = 500

// StateCache holds the in-memory device state: the local node record, the
// contact map, and a bounded message history.
//
// The node is replaced wholesale on each refresh. The contact map is
// replaced atomically, never merged, so contacts the device stops reporting
// disappear. Message history is append-only with oldest-first eviction on
// overflow; the bound is a memory safeguard, not a durability guarantee.
//
// All methods are safe for concurrent use. Accessors return copies so
// callers can never mutate cached state.
type StateCache struct {
	mu          sync.RWMutex
	node        *Node
	contacts    map[string]Contact
	messages    []Message
	maxMessages int
}

// NewStateCache creates an empty cache. maxMessages <= 0 selects the
// default history bound.
func NewStateCache(maxMessages int) *StateCache {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	return &StateCache{
		contacts:    make(map[string]Contact),
		maxMessages: maxMessages,
	}
}

// SetNode replaces the local node record.
func (s *StateCache) SetNode(node Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := node
	s.node = &n
}

// Node returns a copy of the local node record, or nil if none is cached.
func (s *StateCache) Node() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.node == nil {
		return nil
	}
	n := *s.node
	if s.node.Signal != nil {
		sig := *s.node.Signal
		n.Signal = &sig
	}
	if s.node.Position != nil {
		pos := *s.node.Position
		n.Position = &pos
	}
	return &n
}

// UpdateTelemetry patches battery/uptime on the cached node, if present.
// Status polls are the one inbound path allowed to touch the node record
// without replacing it.
func (s *StateCache) UpdateTelemetry(t Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.node != nil {
		s.node.Telemetry = t
	}
}

// ReplaceContacts swaps the entire contact map. The previous map is
// discarded; there is no incremental merge.
func (s *StateCache) ReplaceContacts(contacts map[string]Contact) {
	fresh := make(map[string]Contact, len(contacts))
	for k, v := range contacts {
		fresh[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = fresh
}

// Contacts returns all cached contacts sorted by public key.
func (s *StateCache) Contacts() []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out
}

// Contact returns the cached contact for publicKey, if present.
func (s *StateCache) Contact(publicKey string) (Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[publicKey]
	return c, ok
}

// AppendMessage appends one message to the history, evicting the oldest
// entries when the bound is exceeded.
func (s *StateCache) AppendMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg)
	if excess := len(s.messages) - s.maxMessages; excess > 0 {
		s.messages = append(s.messages[:0:0], s.messages[excess:]...)
	}
}

// RecentMessages returns up to limit messages, newest last. limit <= 0
// returns the full history.
func (s *StateCache) RecentMessages(limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.messages)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Message, n)
	copy(out, s.messages[len(s.messages)-n:])
	return out
}

// MessageCount returns the current history length.
func (s *StateCache) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// ContactCount returns the number of cached contacts.
func (s *StateCache) ContactCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contacts)
}

// Clear empties the cache entirely: node, contacts, and message history.
// Called on disconnect so stale reads cannot survive past teardown.
func (s *StateCache) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node = nil
	s.contacts = make(map[string]Contact)
	s.messages = nil
}
