package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRedisStoreWiresCredentials(t *testing.T) {
	t.Parallel()

	store := NewRedisStore(RedisConfig{
		Addr:     "redis.internal:6380",
		Password: "hunter2",
		DB:       3,
		Prefix:   "siteaudit",
		TTL:      time.Hour,
	})
	defer store.Close()

	opts := store.Options()
	require.Equal(t, "redis.internal:6380", opts.Addr)
	require.Equal(t, "hunter2", opts.Password)
	require.Equal(t, 3, opts.DB)
}
