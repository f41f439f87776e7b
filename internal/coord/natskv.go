package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSKV implements KV on a JetStream key-value bucket. Lock entries carry
// the owner id as their value; the bucket TTL reclaims locks abandoned by
// crashed instances.
type NATSKV struct {
	kv jetstream.KeyValue
}

// NewNATSKV binds (or creates) the named bucket on the given connection.
func NewNATSKV(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*NATSKV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket: bucket,
			TTL:    ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind kv bucket %s: %w", bucket, err)
	}
	return &NATSKV{kv: kv}, nil
}

func (n *NATSKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (n *NATSKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := n.kv.Put(ctx, key, value)
	return err
}

func (n *NATSKV) Delete(ctx context.Context, key string) error {
	err := n.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (n *NATSKV) Acquire(ctx context.Context, key, owner string) (bool, error) {
	_, err := n.kv.Create(ctx, key, []byte(owner))
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, err
	}

	entry, getErr := n.kv.Get(ctx, key)
	if errors.Is(getErr, jetstream.ErrKeyNotFound) {
		// Holder vanished between Create and Get, retry once.
		_, retryErr := n.kv.Create(ctx, key, []byte(owner))
		return retryErr == nil, retryErr
	}
	if getErr != nil {
		return false, getErr
	}
	return string(entry.Value()) == owner, nil
}

func (n *NATSKV) Release(ctx context.Context, key, owner string) error {
	entry, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(entry.Value()) != owner {
		return nil
	}
	return n.Delete(ctx, key)
}

var _ KV = (*NATSKV)(nil)
