package botoracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingDir struct {
	bots  map[int64]bool
	calls int
	err   error
}

func (d *countingDir) IsBotAccount(_ context.Context, id int64) (bool, error) {
	d.calls++
	return d.bots[id], d.err
}

func (d *countingDir) IsBotUser(_ context.Context, id int64) (bool, error) {
	d.calls++
	return d.bots[id], d.err
}

func TestCached_Memoizes(t *testing.T) {
	dir := &countingDir{bots: map[int64]bool{1: true}}
	o := New(dir, 10, time.Minute)
	ctx := context.Background()

	assert.True(t, o.IsBotAccount(ctx, 1))
	assert.True(t, o.IsBotAccount(ctx, 1))
	assert.False(t, o.IsBotAccount(ctx, 2))
	assert.False(t, o.IsBotAccount(ctx, 2))
	assert.Equal(t, 2, dir.calls)

	// Users and accounts are cached separately.
	assert.True(t, o.IsBotUser(ctx, 1))
	assert.Equal(t, 3, dir.calls)
}

func TestCached_ErrorsAreNotBotsAndNotCached(t *testing.T) {
	dir := &countingDir{bots: map[int64]bool{1: true}, err: errors.New("db down")}
	o := New(dir, 10, time.Minute)
	ctx := context.Background()

	assert.False(t, o.IsBotAccount(ctx, 1))
	dir.err = nil
	assert.True(t, o.IsBotAccount(ctx, 1))
	assert.Equal(t, 2, dir.calls)
}

func TestCached_Expires(t *testing.T) {
	dir := &countingDir{bots: map[int64]bool{}}
	o := New(dir, 10, 20*time.Millisecond)
	ctx := context.Background()

	o.IsBotUser(ctx, 5)
	time.Sleep(60 * time.Millisecond)
	o.IsBotUser(ctx, 5)
	assert.Equal(t, 2, dir.calls)
}
