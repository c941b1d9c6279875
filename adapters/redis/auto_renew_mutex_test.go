package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestAutoRenewMutex_LockUnlock(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, client, cleanup := setupMiniredis(t)
	defer cleanup()

	mutex := NewAutoRenewMutex(client, "lock:test",
		WithAutoRenewMutexExpiry(time.Second),
		WithAutoRenewMutexRetryDelay(10*time.Millisecond))
	assert.False(t, mutex.Valid())

	lockCtx, err := mutex.Lock(context.Background())
	require.NoError(t, err)
	assert.NoError(t, lockCtx.Err())
	assert.True(t, mutex.Valid())

	ok, err := mutex.Unlock()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mutex.Valid())
	assert.ErrorIs(t, lockCtx.Err(), context.Canceled)
}

func TestAutoRenewMutex_MutualExclusion(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, client, cleanup := setupMiniredis(t)
	defer cleanup()

	holder := NewAutoRenewMutex(client, "lock:test",
		WithAutoRenewMutexExpiry(time.Second),
		WithAutoRenewMutexRetryDelay(10*time.Millisecond))
	waiter := NewAutoRenewMutex(client, "lock:test",
		WithAutoRenewMutexExpiry(time.Second),
		WithAutoRenewMutexRetryDelay(10*time.Millisecond))

	_, err := holder.Lock(context.Background())
	require.NoError(t, err)

	// 鎖被持有時，等待者在 ctx 結束前拿不到鎖
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = waiter.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = holder.Unlock()
	require.NoError(t, err)

	lockCtx, err := waiter.Lock(context.Background())
	require.NoError(t, err)
	assert.NoError(t, lockCtx.Err())
	_, err = waiter.Unlock()
	require.NoError(t, err)
}

func TestAutoRenewMutex_AutoRenew(t *testing.T) {
	defer goleak.VerifyNone(t)
	mr, client, cleanup := setupMiniredis(t)
	defer cleanup()

	mutex := NewAutoRenewMutex(client, "lock:test",
		WithAutoRenewMutexExpiry(300*time.Millisecond),
		WithAutoRenewMutexRenewInterval(50*time.Millisecond))

	_, err := mutex.Lock(context.Background())
	require.NoError(t, err)

	// 超過原本的過期時間後仍然有效
	time.Sleep(500 * time.Millisecond)
	assert.True(t, mutex.Valid())
	assert.True(t, mr.Exists("lock:test"))

	_, err = mutex.Unlock()
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:test"))
}
