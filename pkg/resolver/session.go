package resolver

import "sync"

// Binding is an entity an alias was bound to during a conversation.
type Binding struct {
	ID   string
	Name string
	Type string
}

// Session tracks conversation-scoped aliases ("dad", "my manager") and the
// recency of mentioned entities so pronouns can be bound to the last
// matching one. A Session is safe for concurrent use.
type Session struct {
	mu         sync.RWMutex
	aliases    map[string]Binding
	known      map[string]Binding
	history    []string // entity ids, most recent first
	maxHistory int
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		aliases:    make(map[string]Binding),
		known:      make(map[string]Binding),
		maxHistory: 10,
	}
}

// Bind maps alias to an entity and records it as mentioned.
func (s *Session) Bind(alias string, b Binding) {
	norm := Normalize(alias)
	if norm == "" || b.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[norm] = b
	s.observe(b)
}

// Observe records an explicit mention of an entity.
func (s *Session) Observe(b Binding) {
	if b.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe(b)
}

func (s *Session) observe(b Binding) {
	s.known[b.ID] = b
	for i, id := range s.history {
		if id == b.ID {
			s.history = append(s.history[:i], s.history[i+1:]...)
			break
		}
	}
	s.history = append([]string{b.ID}, s.history...)
	if len(s.history) > s.maxHistory {
		s.history = s.history[:s.maxHistory]
	}
}

// Lookup returns the entity bound to alias. Pronouns resolve to the most
// recently mentioned entity of a compatible type.
func (s *Session) Lookup(alias string) (Binding, bool) {
	norm := Normalize(alias)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.aliases[norm]; ok {
		return b, true
	}
	if want, ok := pronounType(norm); ok {
		for _, id := range s.history {
			b := s.known[id]
			if want == "" || b.Type == want || (want == "!person" && b.Type != "person") {
				return b, true
			}
		}
	}
	return Binding{}, false
}

// Aliases returns a snapshot of the alias table in the form Query expects.
// Entries bound to a different type than entityType are left out.
func (s *Session) Aliases(entityType string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.aliases))
	for k, b := range s.aliases {
		if entityType == "" || b.Type == "" || b.Type == entityType {
			out[k] = b.ID
		}
	}
	return out
}

// Recent returns entity ids mentioned in this session, most recent first.
func (s *Session) Recent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.history...)
}

// pronounType maps a pronoun to the entity type it may refer to. "" means
// any type; "!person" means anything but a person.
func pronounType(word string) (string, bool) {
	switch word {
	case "he", "him", "his", "she", "her", "hers":
		return "person", true
	case "it", "its":
		return "!person", true
	case "they", "them", "their":
		return "", true
	default:
		return "", false
	}
}
