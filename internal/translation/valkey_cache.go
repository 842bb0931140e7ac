package translation

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

const valkeyKeyPrefix = "translation:"

// ValkeyCache is a RemoteCache backed by Valkey or Redis.
type ValkeyCache struct {
	client valkey.Client
	ttl    time.Duration
}

// NewValkeyCache connects to addr and verifies the connection.
func NewValkeyCache(ctx context.Context, addr, password string, ttl time.Duration) (*ValkeyCache, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
	})
	if err != nil {
		return nil, fmt.Errorf("creating valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to valkey: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ValkeyCache{client: client, ttl: ttl}, nil
}

// Get returns the cached translation or ErrCacheMiss.
func (c *ValkeyCache) Get(ctx context.Context, key string) (string, error) {
	result := c.client.Do(ctx, c.client.B().Get().Key(valkeyKeyPrefix+key).Build())
	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("reading translation cache: %w", err)
	}
	return result.ToString()
}

// Set stores a translation with the configured TTL.
func (c *ValkeyCache) Set(ctx context.Context, key, value string) error {
	cmd := c.client.B().Set().Key(valkeyKeyPrefix + key).Value(value).Ex(c.ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("writing translation cache: %w", err)
	}
	return nil
}

// Close releases the connection.
func (c *ValkeyCache) Close() {
	c.client.Close()
}

var _ RemoteCache = (*ValkeyCache)(nil)
