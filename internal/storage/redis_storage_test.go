package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/balanz/internal/storage"
)

func newMockPresence() (*storage.RedisPresence, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return &storage.RedisPresence{Client: db, Prefix: "balanz:conn:"}, mock
}

func TestRedisPresenceClaimOwnerRelease(t *testing.T) {
	reg, mock := newMockPresence()
	ctx := context.Background()

	ttl := 2 * time.Minute
	key := "balanz:conn:CP-1"

	mock.ExpectSet(key, "balanz-0", ttl).SetVal("OK")
	require.NoError(t, reg.Claim(ctx, "CP-1", "balanz-0", ttl))

	mock.ExpectGet(key).SetVal("balanz-0")
	owner, err := reg.Owner(ctx, "CP-1")
	require.NoError(t, err)
	assert.Equal(t, "balanz-0", owner)

	mock.ExpectGet(key).SetErr(redis.Nil)
	owner, err = reg.Owner(ctx, "CP-1")
	assert.ErrorIs(t, err, redis.Nil)
	assert.Empty(t, owner)

	mock.ExpectExpire(key, ttl).SetVal(true)
	require.NoError(t, reg.Refresh(ctx, "CP-1", ttl))

	mock.ExpectDel(key).SetVal(1)
	require.NoError(t, reg.Release(ctx, "CP-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPresenceClaimError(t *testing.T) {
	reg, mock := newMockPresence()
	ctx := context.Background()

	expectedErr := errors.New("redis set error")
	mock.ExpectSet("balanz:conn:CP-2", "balanz-1", time.Minute).SetErr(expectedErr)
	err := reg.Claim(ctx, "CP-2", "balanz-1", time.Minute)
	assert.ErrorIs(t, err, expectedErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPresenceOwnerError(t *testing.T) {
	reg, mock := newMockPresence()
	ctx := context.Background()

	expectedErr := errors.New("redis get error")
	mock.ExpectGet("balanz:conn:CP-3").SetErr(expectedErr)
	owner, err := reg.Owner(ctx, "CP-3")
	assert.ErrorIs(t, err, expectedErr)
	assert.Empty(t, owner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPresenceClose(t *testing.T) {
	reg, mock := newMockPresence()

	assert.NoError(t, reg.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
