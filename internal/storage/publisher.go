package storage

import (
	"context"
	"time"

	"github.com/gotsync/gotsync/internal/controller"
	"github.com/gotsync/gotsync/internal/core"
	"github.com/rs/zerolog"
)

// SnapshotFunc fetches the current snapshot. It is called off the event
// loop, so it may block on it.
type SnapshotFunc func(ctx context.Context) (controller.Snapshot, error)

// Publisher is a core.Listener that mirrors notifications into a Store.
// OnNotification never blocks; records are written by Run.
type Publisher struct {
	store    Store
	key      string
	snapshot SnapshotFunc
	log      zerolog.Logger
	ch       chan core.Notification
	dropped  int
}

// NewPublisher mirrors into store under key. buffer bounds how many
// notifications may wait for the writer.
func NewPublisher(store Store, key string, snapshot SnapshotFunc, buffer int, log zerolog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		store:    store,
		key:      key,
		snapshot: snapshot,
		log:      log.With().Str("component", "publisher").Str("key", key).Logger(),
		ch:       make(chan core.Notification, buffer),
	}
}

func (p *Publisher) OnNotification(n core.Notification) {
	select {
	case p.ch <- n:
	default:
		// only touched from the loop goroutine
		p.dropped++
		p.log.Warn().Str("kind", n.Kind()).Int("dropped", p.dropped).Msg("Publisher backlog full, notification dropped")
	}
}

// Run writes records until ctx ends. Snapshots are saved once per burst of
// state-changing notifications; the snapshot is deleted on return.
func (p *Publisher) Run(ctx context.Context) error {
	defer func() {
		if err := p.store.Delete(context.Background(), p.key); err != nil {
			p.log.Warn().Err(err).Msg("Failed to delete snapshot")
		}
	}()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-p.ch:
			rec, err := NewRecord(n, time.Now())
			if err != nil {
				p.log.Error().Err(err).Msg("Failed to encode notification")
				continue
			}
			if err := p.store.Publish(ctx, p.key, rec); err != nil {
				p.log.Warn().Err(err).Str("kind", rec.Kind).Msg("Failed to publish record")
			}
			dirty = dirty || changesSnapshot(n)
		}

		if dirty && len(p.ch) == 0 && p.snapshot != nil {
			snap, err := p.snapshot(ctx)
			if err != nil {
				p.log.Warn().Err(err).Msg("Failed to take snapshot")
				continue
			}
			if err := p.store.SaveSnapshot(ctx, p.key, snap); err != nil {
				p.log.Warn().Err(err).Msg("Failed to save snapshot")
				continue
			}
			dirty = false
		}
	}
}

func changesSnapshot(n core.Notification) bool {
	switch n.(type) {
	case core.RunStateChanged, core.NodeChanged, core.TotalsChanged, core.SessionEstablished:
		return true
	}
	return false
}
