package store

import (
	"log/slog"
	"sync"
	"time"
)

// MaintainerConfig controls the background maintenance loop.
type MaintainerConfig struct {
	Interval time.Duration
}

func DefaultMaintainerConfig() MaintainerConfig {
	return MaintainerConfig{
		Interval: 10 * time.Minute,
	}
}

// Maintainer periodically checkpoints the WAL so long-running servers do
// not accumulate an unbounded write-ahead log.
type Maintainer struct {
	store  *Store
	config MaintainerConfig
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewMaintainer(store *Store, config MaintainerConfig) *Maintainer {
	return &Maintainer{
		store:  store,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (m *Maintainer) Start() {
	m.wg.Add(1)
	go m.run()
	m.store.logger.Info("store maintenance started", "interval", m.config.Interval)
}

func (m *Maintainer) Stop() {
	close(m.stop)
	m.wg.Wait()
	m.store.logger.Info("store maintenance stopped")
}

func (m *Maintainer) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkpoint()
		}
	}
}

func (m *Maintainer) checkpoint() {
	if _, err := m.store.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		m.store.logger.Warn("wal checkpoint failed", slog.Any("error", err))
	}
}
