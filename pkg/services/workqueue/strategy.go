package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy is responsible for tracking running tasks and determining
// if a new task can start based on the current state.
type ConcurrencyStrategy interface {
	// CanStart returns true if a task with the given key can start now.
	CanStart(key string) bool
	// OnStart is called when a task starts.
	OnStart(key string)
	// OnComplete is called when a task finishes.
	OnComplete(key string)
}

// ============================================================================
// SerializedStrategy - one task at a time
// ============================================================================

// SerializedStrategy runs a single task at a time regardless of key.
type SerializedStrategy struct {
	mu      sync.Mutex
	running bool
}

// NewSerializedStrategy creates a strategy that runs tasks one after another.
func NewSerializedStrategy() *SerializedStrategy {
	return &SerializedStrategy{}
}

func (s *SerializedStrategy) CanStart(string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running
}

func (s *SerializedStrategy) OnStart(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *SerializedStrategy) OnComplete(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// ============================================================================
// ThrottledStrategy - up to N tasks, one per key
// ============================================================================

// ThrottledStrategy allows up to maxConcurrent tasks in parallel, but never
// two tasks sharing a non-empty key.
type ThrottledStrategy struct {
	mu            sync.Mutex
	maxConcurrent int
	running       int
	keys          map[string]bool
}

// NewThrottledStrategy creates a strategy that allows up to maxConcurrent
// tasks with distinct keys to run in parallel.
func NewThrottledStrategy(maxConcurrent int) *ThrottledStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ThrottledStrategy{
		maxConcurrent: maxConcurrent,
		keys:          make(map[string]bool),
	}
}

func (s *ThrottledStrategy) CanStart(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running >= s.maxConcurrent {
		return false
	}
	return key == "" || !s.keys[key]
}

func (s *ThrottledStrategy) OnStart(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
	if key != "" {
		s.keys[key] = true
	}
}

func (s *ThrottledStrategy) OnComplete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
	delete(s.keys, key)
}

// Running returns the number of tasks currently running.
func (s *ThrottledStrategy) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
