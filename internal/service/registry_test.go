package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreateSingleFlight(t *testing.T) {
	registry := NewSessionRegistry(time.Hour, time.Hour)
	defer registry.Close()

	var creates int32

	// 同一新指纹并发进入，创建只能发生一次
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := registry.GetOrCreate(context.Background(), "fp-1", "sys", func(ctx context.Context) (string, error) {
				atomic.AddInt32(&creates, 1)
				time.Sleep(10 * time.Millisecond) // 拉开竞争窗口
				return "session-1", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "session-1", record.CLISessionID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&creates))
	assert.Equal(t, 1, registry.Len())
}

func TestRegistryDistinctFingerprintsIndependent(t *testing.T) {
	registry := NewSessionRegistry(time.Hour, time.Hour)
	defer registry.Close()

	r1, err := registry.GetOrCreate(context.Background(), "fp-a", "a", func(ctx context.Context) (string, error) {
		return "session-a", nil
	})
	require.NoError(t, err)

	r2, err := registry.GetOrCreate(context.Background(), "fp-b", "b", func(ctx context.Context) (string, error) {
		return "session-b", nil
	})
	require.NoError(t, err)

	assert.NotEqual(t, r1.CLISessionID, r2.CLISessionID)
	assert.Equal(t, 2, registry.Len())
}

func TestRegistryCreateFailureNotCached(t *testing.T) {
	registry := NewSessionRegistry(time.Hour, time.Hour)
	defer registry.Close()

	_, err := registry.GetOrCreate(context.Background(), "fp-x", "x", func(ctx context.Context) (string, error) {
		return "", ErrSessionSetup
	})
	require.ErrorIs(t, err, ErrSessionSetup)
	assert.Equal(t, 0, registry.Len())

	// 失败不留残留记录，下一次还会尝试创建
	record, err := registry.GetOrCreate(context.Background(), "fp-x", "x", func(ctx context.Context) (string, error) {
		return "session-x", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "session-x", record.CLISessionID)
}

func TestRegistryTouch(t *testing.T) {
	registry := NewSessionRegistry(time.Hour, time.Hour)
	defer registry.Close()

	assert.ErrorIs(t, registry.Touch("missing"), ErrSessionNotFound)

	record, err := registry.GetOrCreate(context.Background(), "fp-t", "t", func(ctx context.Context) (string, error) {
		return "session-t", nil
	})
	require.NoError(t, err)

	before := record.LastUsedAt
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, registry.Touch("fp-t"))

	after, ok := registry.Get("fp-t")
	require.True(t, ok)
	assert.True(t, after.LastUsedAt.After(before))
}

func TestRegistryTTLCleanup(t *testing.T) {
	registry := NewSessionRegistry(20*time.Millisecond, 10*time.Millisecond)
	defer registry.Close()

	_, err := registry.GetOrCreate(context.Background(), "fp-old", "old", func(ctx context.Context) (string, error) {
		return "session-old", nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	// 超过 TTL 后定期清理应将其移除
	assert.Eventually(t, func() bool {
		return registry.Len() == 0
	}, time.Second, 10*time.Millisecond)
}
