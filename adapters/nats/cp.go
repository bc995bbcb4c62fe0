package nats

import (
	"errors"
	"fmt"

	"github.com/streamhaus/backbone/core/es"
)

type CpStoreConfig struct {
	Connect Connector
	Bucket  string
	// Key identifies the consumer whose progress is tracked.
	Key string
}

// CpStore persists a consumer checkpoint in a JetStream key-value bucket
// so the consumer resumes from its last handled sequence after a restart.
type CpStore struct {
	kv  *KvStore[uint64]
	key string
}

func NewCpStore(cfg CpStoreConfig) (*CpStore, error) {
	if cfg.Key == "" {
		return nil, errors.New("key is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "backbone_checkpoints"
	}
	kv, err := NewKvStore[uint64](KvConfig{
		Bucket:  cfg.Bucket,
		Connect: cfg.Connect,
	})
	if err != nil {
		return nil, err
	}
	return &CpStore{kv: kv, key: cfg.Key}, nil
}

func (c *CpStore) Get() (lastSeq uint64, err error) {
	lastSeq, err = c.kv.Get(c.key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return 0, es.ErrCheckpointNotFound
		}
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	return lastSeq, nil
}

func (c *CpStore) Set(lastSeq uint64) error {
	return c.kv.Set(c.key, lastSeq)
}

var _ es.CpStore = (*CpStore)(nil)
