// Package ingest turns raw inbound push frames into canonical events:
// duplicates and stale retransmissions are dropped, everything else is
// applied to state exactly once, in arrival order.
package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/planora/realtime/internal/bus"
	"github.com/planora/realtime/internal/state"
	"github.com/planora/realtime/internal/transport"
	"go.uber.org/zap"
)

// Defaults for the duplicate-detection window. Duplicate delivery happens
// on reconnect and transport retries, both bounded by a few minutes.
const (
	DefaultDedupTTL     = 5 * time.Minute
	DefaultDedupEntries = 4096
)

// Stats counts events dropped on the ingest path. Not errors; kept for
// observability only.
type Stats struct {
	Applied         uint64
	DuplicateDrops  uint64
	StaleDrops      uint64
	MalformedEvents uint64
}

// Ingestor is the single consumer of inbound push frames. It subscribes to
// "push." events on the bus, filters them, and applies survivors to the
// state store. No two events are processed concurrently.
type Ingestor struct {
	bus    *bus.Bus
	state  *state.Store
	logger *zap.Logger
	cancel context.CancelFunc

	recent      *recencySet
	versions    map[string]watermark // entityID -> last applied version
	maxVersions int
	now         func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// watermark is the last applied version for one entity, stamped so the
// least recently updated entities can be evicted first.
type watermark struct {
	version int64
	at      time.Time
}

// New creates an ingestor. ttl and maxEntries bound the duplicate-detection
// cache; zero values select the defaults.
func New(b *bus.Bus, st *state.Store, ttl time.Duration, maxEntries int, logger *zap.Logger) *Ingestor {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDedupEntries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		bus:         b,
		state:       st,
		logger:      logger,
		recent:      newRecencySet(ttl, maxEntries),
		versions:    make(map[string]watermark),
		maxVersions: 8 * maxEntries,
		now:         time.Now,
	}
}

// Start subscribes to inbound push frames on the bus.
func (in *Ingestor) Start(ctx context.Context) {
	ctx, in.cancel = context.WithCancel(ctx)
	ch, unsub := in.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				frame, ok := evt.Payload.(transport.Frame)
				if !ok {
					continue
				}
				in.Process(frame)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the ingestor.
func (in *Ingestor) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
}

// Process runs one frame through dedup and ordering, applying it to state
// if it survives. Exposed so tests can feed synthetic sequences without a
// live transport.
func (in *Ingestor) Process(f transport.Frame) {
	if in.recent.Observe(dedupKey(f)) {
		in.count(func(s *Stats) { s.DuplicateDrops++ })
		return
	}

	version := f.OrderKey()
	if f.EntityID != "" && version != 0 {
		if last, ok := in.versions[f.EntityID]; ok && version <= last.version {
			// Stale retransmission; last-write-wins already applied.
			in.count(func(s *Stats) { s.StaleDrops++ })
			return
		}
		in.pruneVersions()
		in.versions[f.EntityID] = watermark{version: version, at: in.now()}
	}

	err := in.state.ApplyEvent(state.Event{
		Type:     f.Type,
		EntityID: f.EntityID,
		Version:  version,
		Payload:  f.Payload,
	})
	if err != nil {
		in.count(func(s *Stats) { s.MalformedEvents++ })
		in.logger.Warn("event not applied", zap.String("type", f.Type), zap.String("entity", f.EntityID), zap.Error(err))
		return
	}
	in.count(func(s *Stats) { s.Applied++ })
}

// pruneVersions keeps the watermark map bounded over a long-lived session
// by dropping the least recently updated half once the cap is reached. An
// evicted entity can in principle re-apply a stale event after that much
// silence; the recency set still drops exact duplicates.
func (in *Ingestor) pruneVersions() {
	if len(in.versions) < in.maxVersions {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(in.versions))
	for id, w := range in.versions {
		all = append(all, aged{id: id, at: w.at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, e := range all[:len(all)/2] {
		delete(in.versions, e.id)
	}
}

// Stats returns a copy of the drop counters.
func (in *Ingestor) Stats() Stats {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	return in.stats
}

func (in *Ingestor) count(fn func(*Stats)) {
	in.statsMu.Lock()
	fn(&in.stats)
	in.statsMu.Unlock()
}
