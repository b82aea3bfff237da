// Package store holds the gateway's shared bookkeeping: the time-bounded
// result store and the queued/running task registry. Both are internally
// synchronized; the gateway reads while the worker writes.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ofdrgate/pkg/protocol"
)

type resultEntry struct {
	msg      *protocol.ResultMessage
	storedAt time.Time
}

// ResultStore maps taskId to its final ResultMessage, retaining entries for
// a configurable window. Expired entries are invisible to Get (lazy expiry)
// and physically removed by a periodic sweep.
type ResultStore struct {
	mu        sync.RWMutex
	entries   map[string]resultEntry
	retention time.Duration
	interval  time.Duration

	sweeping atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
	nowFn    func() time.Time
	log      *zap.Logger
}

// NewResultStore starts the background sweeper. Close must be called to
// stop it.
func NewResultStore(retention, sweepInterval time.Duration, log *zap.Logger) *ResultStore {
	if log == nil {
		log = zap.NewNop()
	}
	s := &ResultStore{
		entries:   make(map[string]resultEntry),
		retention: retention,
		interval:  sweepInterval,
		stop:      make(chan struct{}),
		nowFn:     time.Now,
		log:       log,
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

// AddOrUpdate records the final message for taskID, overwriting any
// previous entry. The worker writes each task exactly once.
func (s *ResultStore) AddOrUpdate(taskID string, msg *protocol.ResultMessage) {
	s.mu.Lock()
	s.entries[taskID] = resultEntry{msg: msg, storedAt: s.nowFn()}
	s.mu.Unlock()
}

// TryGet returns the stored message if present and younger than the
// retention window. Expired entries read as absent even before the sweep
// removes them.
func (s *ResultStore) TryGet(taskID string) (*protocol.ResultMessage, bool) {
	s.mu.RLock()
	e, ok := s.entries[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.nowFn().Sub(e.storedAt) > s.retention {
		return nil, false
	}
	return e.msg, true
}

// Len reports live (unexpired plus not-yet-swept) entry count.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes entries strictly older than the retention window. Only one
// sweep runs at a time; overlapping calls return 0 immediately.
func (s *ResultStore) Sweep() int {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer s.sweeping.Store(false)

	cutoff := s.nowFn().Add(-s.retention)
	removed := 0
	s.mu.Lock()
	for id, e := range s.entries {
		if e.storedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.log.Debug("result store sweep", zap.Int("removed", removed))
	}
	return removed
}

func (s *ResultStore) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweeper.
func (s *ResultStore) Close() {
	close(s.stop)
	s.wg.Wait()
}
