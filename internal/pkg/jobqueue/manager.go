package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Manager runs the queue workers together with the delayed-retry promoter
type Manager struct {
	queue           *Queue
	promoteInterval time.Duration
	promoteTicker   *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager wraps a queue. Retry promotion runs every second.
func NewManager(queue *Queue) *Manager {
	return &Manager{
		queue:           queue,
		promoteInterval: time.Second,
		stopCh:          make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.promoteTicker = time.NewTicker(m.promoteInterval)
	m.wg.Add(1)
	go m.promoteWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.promoteTicker != nil {
		m.promoteTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// promoteWorker moves due retries back onto their stage queues
func (m *Manager) promoteWorker() {
	defer m.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Retry promoter stopping")
			return
		case now := <-m.promoteTicker.C:
			n, err := m.queue.PromoteDue(ctx, now)
			if err != nil {
				log.Errorf("[JobQueue Manager] Error promoting delayed jobs: %v", err)
				continue
			}
			if n > 0 {
				log.Debugf("[JobQueue Manager] Promoted %d delayed jobs", n)
			}
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
