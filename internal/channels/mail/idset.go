package mail

// Bounds for the processed-id set. When the set exceeds maxProcessedIDs the
// oldest half is dropped, leaving compactTo entries.
const (
	maxProcessedIDs = 5000
	compactTo       = 2500
)

// idSet is an insertion-ordered set with a hard size cap. The poll loop is
// the only user, so it needs no locking.
type idSet struct {
	order []string
	seen  map[string]struct{}
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[string]struct{})}
}

func (s *idSet) Has(id string) bool {
	_, ok := s.seen[id]
	return ok
}

func (s *idSet) Add(id string) {
	if s.Has(id) {
		return
	}
	s.order = append(s.order, id)
	s.seen[id] = struct{}{}

	if len(s.order) > maxProcessedIDs {
		drop := s.order[:len(s.order)-compactTo]
		for _, old := range drop {
			delete(s.seen, old)
		}
		kept := make([]string, compactTo)
		copy(kept, s.order[len(s.order)-compactTo:])
		s.order = kept
	}
}

func (s *idSet) Len() int { return len(s.order) }
