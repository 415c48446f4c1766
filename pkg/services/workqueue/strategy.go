package workqueue

import "sync"

// ConcurrencyStrategy decides which pending tasks may start. The queue calls
// OnStart and OnComplete for every task it admits.
type ConcurrencyStrategy interface {
	CanStart(key string) bool
	OnStart(key string)
	OnComplete(key string)
}

// SerializedStrategy admits one task at a time. payrollctl uses it so stage
// output appears in enqueue order.
type SerializedStrategy struct {
	mu   sync.Mutex
	busy bool
}

func NewSerializedStrategy() *SerializedStrategy {
	return &SerializedStrategy{}
}

func (s *SerializedStrategy) CanStart(string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy
}

func (s *SerializedStrategy) OnStart(string) { s.set(true) }

func (s *SerializedStrategy) OnComplete(string) { s.set(false) }

func (s *SerializedStrategy) set(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}

// KeyedStrategy admits up to limit tasks at once and never two tasks with
// the same key, so one file or closure is only worked on by one task.
type KeyedStrategy struct {
	mu    sync.Mutex
	limit int
	keys  map[string]struct{}
}

// NewKeyedStrategy treats a limit below 1 as 1.
func NewKeyedStrategy(limit int) *KeyedStrategy {
	return &KeyedStrategy{limit: max(limit, 1), keys: make(map[string]struct{})}
}

func (s *KeyedStrategy) CanStart(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.keys[key]
	return !busy && len(s.keys) < s.limit
}

func (s *KeyedStrategy) OnStart(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
}

func (s *KeyedStrategy) OnComplete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}
