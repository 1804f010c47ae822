package pool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/SkynetNext/grid-gateway/internal/logger"
)

// Executor runs tasks, possibly on another goroutine
type Executor interface {
	Submit(task func())
}

// Serial runs its tasks one at a time in submission order on an Executor.
// At most one drain task per Serial is queued on the executor at any time,
// so a shared pool keeps FIFO order per Serial while serving many of them.
type Serial struct {
	exec Executor

	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewSerial creates a serial executor on top of exec
func NewSerial(exec Executor) *Serial {
	return &Serial{exec: exec}
}

// Submit enqueues task behind every task submitted before it
func (s *Serial) Submit(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.exec.Submit(s.drain)
}

// Pending returns the number of tasks not yet started
func (s *Serial) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(task)
	}
}

func (s *Serial) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("Serial task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
