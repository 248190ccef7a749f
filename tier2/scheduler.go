// Package tier2 реализует фоновое уточнение: отложенный полный
// повторный прогон конвейера атрибуции по сырому аудиоархиву с
// атомарной подменой Tier-1 результата
package tier2

import (
	"context"
	"log"
	"sync"
	"time"
)

// Runner выполняет одно фоновое уточнение сессии
type Runner interface {
	Refine(ctx context.Context, sessionID string)
}

// Scheduler откладывает запуск уточнений. Планирование идемпотентно:
// повторный Schedule для сессии с уже ожидающей задачей — no-op.
type Scheduler struct {
	runner  Runner
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[string]*time.Timer
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewScheduler создаёт планировщик
func NewScheduler(runner Runner) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:  runner,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*time.Timer),
	}
}

// Schedule планирует уточнение сессии через delay. Вызывающий код
// не ждёт выполнения.
func (s *Scheduler) Schedule(sessionID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, ok := s.pending[sessionID]; ok {
		log.Printf("[Tier2] Refinement already scheduled for %s", sessionID)
		return
	}

	s.wg.Add(1)
	s.pending[sessionID] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.pending, sessionID)
		closed := s.closed
		s.mu.Unlock()

		if closed || s.ctx.Err() != nil {
			return
		}
		s.runner.Refine(s.ctx, sessionID)
	})
	log.Printf("[Tier2] Refinement scheduled for %s in %v", sessionID, delay)
}

// Cancel снимает ожидающую задачу сессии (например при удалении)
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.pending[sessionID]; ok {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, sessionID)
	}
}

// Close останавливает планировщик и ждёт завершения запущенных задач
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, timer := range s.pending {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
