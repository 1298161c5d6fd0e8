package store

import (
	"context"
	"sync"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/metrics"
)

// MemoryStore keeps records in process. Used when Redis is disabled.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*homeserver.CapabilitiesRecord
	subscribers map[string]map[int]func(*homeserver.CapabilitiesRecord)
	nextID      int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*homeserver.CapabilitiesRecord),
		subscribers: make(map[string]map[int]func(*homeserver.CapabilitiesRecord)),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*homeserver.CapabilitiesRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[userID]
	if !ok {
		metrics.StoreOperations.WithLabelValues("memory", "get", "miss").Inc()
		return nil, homeserver.ErrRecordNotFound
	}
	metrics.StoreOperations.WithLabelValues("memory", "get", "success").Inc()
	return r.Clone(), nil
}

// Update applies fn under the store lock, then notifies subscribers outside of it.
func (s *MemoryStore) Update(_ context.Context, userID string, fn func(*homeserver.CapabilitiesRecord)) (*homeserver.CapabilitiesRecord, error) {
	s.mu.Lock()
	r, ok := s.records[userID]
	if ok {
		r = r.Clone()
	} else {
		r = homeserver.NewCapabilitiesRecord(userID)
	}
	fn(r)
	r.UserID = userID
	s.records[userID] = r

	handlers := make([]func(*homeserver.CapabilitiesRecord), 0, len(s.subscribers[userID]))
	for _, h := range s.subscribers[userID] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	metrics.StoreOperations.WithLabelValues("memory", "update", "success").Inc()
	for _, h := range handlers {
		h(r.Clone())
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, userID string, wg *sync.WaitGroup, handler func(*homeserver.CapabilitiesRecord)) error {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subscribers[userID] == nil {
		s.subscribers[userID] = make(map[int]func(*homeserver.CapabilitiesRecord))
	}
	s.subscribers[userID][id] = handler
	s.mu.Unlock()

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		<-ctx.Done()

		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[userID], id)
		if len(s.subscribers[userID]) == 0 {
			delete(s.subscribers, userID)
		}
	}()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
