package ws

// registry maps session id to session and remembers insertion order, which is the broadcast
// order. It is not safe for concurrent use; only the hub loop touches it.
type registry struct {
	byID  map[string]*Session
	order []*Session
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*Session)}
}

// add inserts s unless its id is already registered.
func (r *registry) add(s *Session) bool {
	if _, ok := r.byID[s.id]; ok {
		return false
	}
	r.byID[s.id] = s
	r.order = append(r.order, s)
	return true
}

// remove deletes s and reports whether it was present.
func (r *registry) remove(s *Session) bool {
	if r.byID[s.id] != s {
		return false
	}
	delete(r.byID, s.id)
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) get(id string) (*Session, bool) {
	s, ok := r.byID[id]
	return s, ok
}

func (r *registry) len() int {
	return len(r.order)
}

// snapshot returns the sessions in insertion order. The slice is a copy, so callers may remove
// sessions while walking it.
func (r *registry) snapshot() []*Session {
	return append([]*Session(nil), r.order...)
}
