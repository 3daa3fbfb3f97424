// Package session runs the WebSocket chat protocol: authentication, one
// streaming task per chat request, stop handling and per-request usage
// reporting.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the server-side state of one connection. Only the connection's
// own goroutines mutate it.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	userID       string
	lastActivity time.Time
	providerHint string
	tasks        map[string]*task
	// order lists in-flight request ids oldest first.
	order []string

	wg sync.WaitGroup
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		lastActivity: now,
		tasks:        make(map[string]*task),
	}
}

// UserID returns the authenticated user, or "" before authentication.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// LastActivity returns when the client last sent a frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ProviderHint returns the provider type of the most recent chat.
func (s *Session) ProviderHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerHint
}

// InFlight returns the number of running chat tasks.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Session) authenticate(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) setProviderHint(providerType string) {
	s.mu.Lock()
	s.providerHint = providerType
	s.mu.Unlock()
}

// startTask tracks a new task under id. It returns false when a task with the
// same id is still running.
func (s *Session) startTask(id string, cancel context.CancelFunc) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[id]; exists {
		return nil, false
	}
	t := &task{id: id, cancel: cancel}
	s.tasks[id] = t
	s.order = append(s.order, id)
	s.wg.Add(1)
	return t, true
}

func (s *Session) finishTask(t *task) {
	s.mu.Lock()
	delete(s.tasks, t.id)
	for i, id := range s.order {
		if id == t.id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.wg.Done()
}

// task returns the in-flight task with id, or the most recent one when id is
// empty.
func (s *Session) task(id string) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		if len(s.order) == 0 {
			return nil, false
		}
		id = s.order[len(s.order)-1]
	}
	t, ok := s.tasks[id]
	return t, ok
}

// cancelAll cancels every in-flight task without marking it stopped.
func (s *Session) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		t.cancel()
	}
}

// wait blocks until every task has finished its bookkeeping.
func (s *Session) wait() {
	s.wg.Wait()
}

// task is one in-flight chat request.
type task struct {
	id      string
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// stop marks the task stopped and cancels it. The writer drops any chunk of a
// stopped task still queued, so nothing more reaches the client.
func (t *task) stop() {
	t.stopped.Store(true)
	t.cancel()
}

func (t *task) isStopped() bool {
	return t.stopped.Load()
}
