package jobflow

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p := newPool(2)
	release := make(chan struct{})
	var ran atomic.Int32

	task := func(ctx context.Context) {
		<-release
		ran.Add(1)
	}
	require.NoError(t, p.submit(context.Background(), task))
	require.NoError(t, p.submit(context.Background(), task))
	assert.ErrorIs(t, p.submit(context.Background(), task), ErrPoolSaturated)

	close(release)
	p.wait()
	assert.Equal(t, int32(2), ran.Load())

	require.NoError(t, p.submit(context.Background(), func(ctx context.Context) { ran.Add(1) }))
	p.wait()
	assert.Equal(t, int32(3), ran.Load())
}

func TestPoolPassesContext(t *testing.T) {
	p := newPool(1)
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	var got any
	require.NoError(t, p.submit(ctx, func(ctx context.Context) { got = ctx.Value(key{}) }))
	p.wait()
	assert.Equal(t, "v", got)
}
