package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/billingsync/internal/pkg/billing"
	"github.com/ManuelReschke/billingsync/internal/pkg/metrics"
)

const stuckEventBatch = 100

// Options configures the background tasks.
type Options struct {
	SweepInterval      time.Duration
	StuckCheckInterval time.Duration
	StuckEventAge      time.Duration
	ReplayStuckEvents  bool
}

// Manager runs the billing background tasks: the trial expiry sweep and the
// stuck webhook event check.
type Manager struct {
	svc         *billing.Service
	opts        Options
	stuckTicker *time.Ticker
	cancel      context.CancelFunc
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

func NewManager(svc *billing.Service, opts Options) *Manager {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.StuckCheckInterval <= 0 {
		opts.StuckCheckInterval = time.Minute
	}
	if opts.StuckEventAge <= 0 {
		opts.StuckEventAge = 15 * time.Minute
	}
	return &Manager{
		svc:    svc,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Start starts the background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting background tasks")

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Infof("[JobQueue Manager] Started trial sweep worker (interval: %s)", m.opts.SweepInterval)
		m.svc.Enforcer().Run(ctx, m.opts.SweepInterval)
		log.Info("[JobQueue Manager] Trial sweep worker stopping")
	}()

	m.stuckTicker = time.NewTicker(m.opts.StuckCheckInterval)
	m.wg.Add(1)
	go m.stuckEventWorker(ctx, m.stopCh, m.stuckTicker)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the background tasks and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping background tasks...")

	if m.stuckTicker != nil {
		m.stuckTicker.Stop()
	}
	m.cancel()
	close(m.stopCh)
	m.stopCh = nil
	m.running = false

	m.wg.Wait()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// stuckEventWorker periodically reports webhook events that were recorded
// but never committed.
func (m *Manager) stuckEventWorker(ctx context.Context, stopCh <-chan struct{}, ticker *time.Ticker) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started stuck event worker (interval: %s, age: %s)", m.opts.StuckCheckInterval, m.opts.StuckEventAge)

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Stuck event worker stopping")
			return
		case <-ticker.C:
			if _, err := m.CheckStuckEventsOnce(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue Manager] Stuck event check error: %v", err)
			}
		}
	}
}

// CheckStuckEventsOnce sets the stuck event gauge and, when enabled, replays
// each stuck event. It returns the number of stuck events found.
func (m *Manager) CheckStuckEventsOnce(ctx context.Context) (int, error) {
	events, err := m.svc.StuckEvents(ctx, m.opts.StuckEventAge, stuckEventBatch)
	if err != nil {
		return 0, err
	}
	metrics.StuckWebhookEvents.Set(float64(len(events)))

	for i := range events {
		ev := &events[i]
		log.Warnf("[JobQueue Manager] Webhook event %s (%s) received at %s is unprocessed",
			ev.EventID, ev.EventType, ev.ReceivedAt.Format(time.RFC3339))
		if !m.opts.ReplayStuckEvents {
			continue
		}
		res, err := m.svc.ReplayEvent(ctx, ev)
		if err != nil {
			log.Errorf("[JobQueue Manager] Replay of %s failed: %v", ev.EventID, err)
			continue
		}
		log.Infof("[JobQueue Manager] Replayed %s: %s", ev.EventID, res.Outcome)
	}
	return len(events), nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
