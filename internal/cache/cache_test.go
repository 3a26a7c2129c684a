package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNop(t *testing.T) {
	ctx := context.Background()
	var c Cache = Nop{}

	require.NoError(t, c.Set(ctx, KeySnapshot, []byte("x")))
	v, ok, err := c.Get(ctx, KeySnapshot)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.NoError(t, c.Delete(ctx, KeySnapshot))
	assert.NoError(t, c.Close())
}

func TestOpen_EmptyURLIsNop(t *testing.T) {
	c, err := Open(context.Background(), "", time.Second, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, c)
}

func TestOpen_BadURL(t *testing.T) {
	_, err := Open(context.Background(), "http://not-redis", time.Second, nil)
	assert.Error(t, err)
}

func TestOpen_UnreachableFallsBack(t *testing.T) {
	// Port 1 on loopback refuses connections.
	c, err := Open(context.Background(), "redis://127.0.0.1:1/0", time.Second, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, c)
}

func TestRedis_DeleteNoKeys(t *testing.T) {
	r, err := NewRedis("redis://127.0.0.1:1/0", time.Second)
	require.NoError(t, err)
	defer r.Close()
	assert.NoError(t, r.Delete(context.Background()))
}
