// Package storage shares run state with read-only observers: the latest
// snapshot of a run under a key with a TTL, and a stream of notification
// records published on a channel.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gotsync/gotsync/internal/controller"
	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/pkg/protocol"
)

// DefaultSnapshotTTL bounds how long a snapshot outlives its last update.
const DefaultSnapshotTTL = time.Hour

// ErrNotFound is returned when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

// Store persists snapshots and relays records for a stream key.
type Store interface {
	SaveSnapshot(ctx context.Context, key string, snap controller.Snapshot) error
	LoadSnapshot(ctx context.Context, key string) (controller.Snapshot, error)
	Publish(ctx context.Context, key string, rec Record) error
	// Watch streams records published under key until ctx ends.
	Watch(ctx context.Context, key string) (<-chan Record, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Record is one notification as seen by remote observers.
type Record struct {
	Kind  string            `json:"kind"`
	At    time.Time         `json:"at"`
	Error string            `json:"error,omitempty"`
	Data  protocol.RawValue `json:"data,omitempty"`
}

// NewRecord encodes n.
func NewRecord(n core.Notification, at time.Time) (Record, error) {
	data, err := sonic.Marshal(n)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s notification: %w", n.Kind(), err)
	}
	rec := Record{Kind: n.Kind(), At: at, Data: data}
	if err := core.ErrorOf(n); err != nil {
		rec.Error = err.Error()
	}
	return rec, nil
}

func encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
