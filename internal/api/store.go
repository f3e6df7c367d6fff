package api

import "sync"

// GenerationStore keeps completed generations retrievable by id.
type GenerationStore struct {
	mu      sync.Mutex
	records map[string]GenerateResponse
	order   []string
	limit   int
}

// NewGenerationStore returns a store holding at most limit records. Older
// records are evicted first. A non-positive limit keeps everything.
func NewGenerationStore(limit int) *GenerationStore {
	return &GenerationStore{
		records: make(map[string]GenerateResponse),
		limit:   limit,
	}
}

func (s *GenerationStore) Save(resp GenerateResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.records[resp.ID] = resp
	for s.limit > 0 && len(s.order) > s.limit {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *GenerationStore) Get(id string) (GenerateResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *GenerationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *GenerationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
