package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

func TestFingerprintKeyIsTenantScoped(t *testing.T) {
	fp := models.ComputeFingerprint(models.KindDomain, "evil.example.com")

	a := FingerprintKey("acme", fp)
	b := FingerprintKey("globex", fp)

	assert.NotEqual(t, a, b)
	assert.Equal(t, "fp:acme:"+fp.Hex(), a)
}

func TestKeyPrefix(t *testing.T) {
	c := NewWithClient(nil, "tiace:", logger.Nop())
	assert.Equal(t, "tiace:lock:sync:acme/A", c.key("lock:sync:acme/A"))
}

func TestInvalidateWithoutKeys(t *testing.T) {
	c := NewWithClient(nil, "tiace:", logger.Nop())
	assert.NoError(t, c.Invalidate(context.Background()))
}

func TestUnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	c := NewWithClient(client, "t:", logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Claim(ctx, "acme", models.ComputeFingerprint(models.KindIP, "192.0.2.1"), uuid.New())
	require.Error(t, err)

	_, err = c.AcquireLock(context.Background(), "sync:acme/A", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis lock")
}
