// Package persist writes dirty document sessions to storage on a fixed
// cadence.
package persist

import (
	"sync"
	"time"

	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/session"
)

// DefaultInterval is the quiescence window between persistence sweeps.
const DefaultInterval = 20 * time.Second

// Flusher periodically snapshots every dirty session. Each document is
// flushed independently; one failed write never blocks the others.
type Flusher struct {
	log      *logger.Logger
	sessions *session.Store
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(sessions *session.Store, interval time.Duration, log *logger.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Flusher{
		log:      log.With("component", "persist"),
		sessions: sessions,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.log.Info("flusher started", "interval", f.interval.String())
}

// Stop halts the ticker after a final sweep, so shutdown never loses edits
// made since the last tick.
func (f *Flusher) Stop() {
	close(f.stop)
	f.wg.Wait()
	f.FlushAll()
	f.log.Info("flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.FlushAll()
		}
	}
}

// FlushAll sweeps every live session once.
func (f *Flusher) FlushAll() {
	flushed := 0
	for _, s := range f.sessions.All() {
		if !s.Dirty() {
			continue
		}
		if err := f.sessions.Flush(s); err != nil {
			f.log.Error("flush failed", "document_id", s.DocumentID, "error", err)
			continue
		}
		flushed++
	}
	if flushed > 0 {
		f.log.Debug("persisted dirty documents", "count", flushed)
	}
}
