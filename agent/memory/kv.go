package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	backend "github.com/redis/go-redis/v9"
)

const defaultKVPrefix = "relay:memory:"

// KV is the namespaced key/value tier backed by Redis. Keys are laid out as
// <prefix><kind>:<id> so entity kinds never collide.
type KV struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// KVOption customizes a KV tier.
type KVOption func(*KV)

func WithKVPrefix(prefix string) KVOption {
	return func(k *KV) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			k.prefix = trimmed
		}
	}
}

func WithKVTTL(ttl time.Duration) KVOption {
	return func(k *KV) {
		if ttl > 0 {
			k.ttl = ttl
		}
	}
}

// NewKV connects a key/value tier to a Redis instance.
func NewKV(addr, password string, db int, opts ...KVOption) *KV {
	client := backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewKVFromClient(client, opts...)
}

// NewKVFromClient wraps an existing client, mainly for tests.
func NewKVFromClient(client *backend.Client, opts ...KVOption) *KV {
	kv := &KV{
		client: client,
		prefix: defaultKVPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(kv)
		}
	}
	return kv
}

func (k *KV) key(kind Kind, id string) string {
	return k.prefix + string(kind) + ":" + id
}

// Put stores one serialized record.
func (k *KV) Put(ctx context.Context, kind Kind, id string, payload []byte) error {
	if err := k.client.Set(ctx, k.key(kind, id), payload, k.ttl).Err(); err != nil {
		return fmt.Errorf("kv put %s/%s: %w", kind, id, err)
	}
	return nil
}

// Get loads one serialized record; ErrNotFound when the key is absent.
func (k *KV) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	payload, err := k.client.Get(ctx, k.key(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %s/%s: %w", kind, id, err)
	}
	return payload, nil
}

// Delete removes one record; deleting a missing key is a no-op.
func (k *KV) Delete(ctx context.Context, kind Kind, id string) error {
	if err := k.client.Del(ctx, k.key(kind, id)).Err(); err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", kind, id, err)
	}
	return nil
}
