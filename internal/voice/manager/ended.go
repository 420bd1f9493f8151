package manager

// EndedMemory bounds how many ended provider call ids are remembered for
// dropping redelivered inbound initiations.
const EndedMemory = 1024

// endedSet is a FIFO-bounded set of provider call ids whose calls ended.
type endedSet struct {
	ids   map[string]struct{}
	order []string
	limit int
}

func newEndedSet(limit int) *endedSet {
	return &endedSet{ids: make(map[string]struct{}, limit), limit: limit}
}

func (s *endedSet) add(providerCallID string) {
	if providerCallID == "" {
		return
	}
	if _, ok := s.ids[providerCallID]; ok {
		return
	}
	if len(s.order) >= s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[providerCallID] = struct{}{}
	s.order = append(s.order, providerCallID)
}

func (s *endedSet) has(providerCallID string) bool {
	_, ok := s.ids[providerCallID]
	return ok
}
