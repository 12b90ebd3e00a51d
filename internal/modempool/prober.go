package modempool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const unhealthyAfter = 3

// Prober polls every modem's status endpoint and flips its health flag
// in the store. Three consecutive failed probes mark a modem unhealthy;
// a single success brings it back. The prober also rolls over expired
// SIM packages on each tick.
type Prober struct {
	pool     *Pool
	store    *Store
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	failures map[int64]int

	stop chan struct{}
	done chan struct{}
}

func NewProber(pool *Pool, store *Store, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	return &Prober{
		pool:     pool,
		store:    store,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		failures: make(map[int64]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Prober) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	if n, err := p.store.RolloverExpired(ctx); err != nil {
		p.logger.Warn("package rollover failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("rolled over expired modem packages", zap.Int64("count", n))
	}

	modems, err := p.store.List(ctx)
	if err != nil {
		p.logger.Warn("modem listing failed, skipping probe cycle", zap.Error(err))
		return
	}

	for _, m := range modems {
		if !m.Enabled {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.pool.Probe(probeCtx, m)
		cancel()
		p.record(ctx, m, err)
	}
}

func (p *Prober) record(ctx context.Context, m *Modem, probeErr error) {
	p.mu.Lock()
	if probeErr != nil {
		p.failures[m.ID]++
	} else {
		p.failures[m.ID] = 0
	}
	fails := p.failures[m.ID]
	p.mu.Unlock()

	switch {
	case probeErr == nil && !m.Healthy:
		p.logger.Info("modem recovered", zap.String("modem", m.Name))
		if err := p.store.SetHealth(ctx, m.ID, true); err != nil {
			p.logger.Warn("failed to mark modem healthy", zap.Error(err))
		}
	case probeErr != nil && m.Healthy && fails >= unhealthyAfter:
		p.logger.Warn("modem marked unhealthy",
			zap.String("modem", m.Name),
			zap.Int("consecutive_failures", fails),
			zap.Error(probeErr))
		if err := p.store.SetHealth(ctx, m.ID, false); err != nil {
			p.logger.Warn("failed to mark modem unhealthy", zap.Error(err))
		}
	}
}

func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}
