package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/streamhaus/backbone/core/es"
)

// Snapshotter stores one snapshot per aggregate in a JetStream key-value
// bucket. The KV put replaces the previous snapshot atomically, so a
// concurrent rebuild never observes a torn snapshot.
type Snapshotter struct {
	kv *KvStore[es.Snapshot]
}

func NewSnapshotter(cfg KvConfig) (*Snapshotter, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "backbone_snapshots"
	}
	kv, err := NewKvStore[es.Snapshot](cfg)
	if err != nil {
		return nil, err
	}
	return &Snapshotter{kv: kv}, nil
}

func (s *Snapshotter) SaveSnapshot(_ context.Context, snapshot *es.Snapshot) error {
	if snapshot.AggregateID == "" || snapshot.AggregateType == "" {
		return fmt.Errorf("snapshot aggregate identity is empty")
	}
	return s.kv.Set(snapshotKey(snapshot.AggregateType, snapshot.AggregateID), *snapshot)
}

func (s *Snapshotter) LoadSnapshot(_ context.Context, aggType, aggID string) (*es.Snapshot, error) {
	snap, err := s.kv.Get(snapshotKey(aggType, aggID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, es.ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snap, nil
}

// snapshotKey maps the aggregate identity onto the KV key charset.
func snapshotKey(aggType, aggID string) string {
	r := strings.NewReplacer(":", "-", " ", "-")
	return r.Replace(aggType + "." + aggID)
}

var _ es.Snapshotter = (*Snapshotter)(nil)
