package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingFactory(n *atomic.Int32) Factory[int] {
	return func(_ context.Context) (int, error) {
		return int(n.Add(1)), nil
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	var made atomic.Int32
	p := New(2, countingFactory(&made), nil)

	ctx := context.Background()
	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = p.Acquire(ctx)
	require.NoError(t, err)

	// Third acquisition must suspend, not fail.
	acquired := make(chan int, 1)
	go func() {
		r, err := p.Acquire(ctx)
		if err == nil {
			acquired <- r
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third acquisition succeeded while pool was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(a)

	select {
	case r := <-acquired:
		// Released resource is reused, no new factory call.
		assert.Equal(t, a, r)
		assert.Equal(t, int32(2), made.Load())
	case <-time.After(time.Second):
		t.Fatal("acquisition did not resume after release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	var made atomic.Int32
	p := New(1, countingFactory(&made), nil)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFactoryErrorReleasesSlot(t *testing.T) {
	boom := errors.New("broker unreachable")
	fail := true
	p := New(1, func(_ context.Context) (int, error) {
		if fail {
			return 0, boom
		}
		return 7, nil
	}, nil)

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, boom)

	// The failed attempt must not leak its slot.
	fail = false
	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, r)
}

func TestCloseTearsDownIdle(t *testing.T) {
	var closed []int
	p := New(2, func(_ context.Context) (int, error) { return 1, nil },
		func(r int) { closed = append(closed, r) })

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(r)

	p.Close()
	assert.Len(t, closed, 1)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReleaseAfterCloseTearsDown(t *testing.T) {
	var closed atomic.Int32
	p := New(1, func(_ context.Context) (int, error) { return 1, nil },
		func(int) { closed.Add(1) })

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Close()
	p.Release(r)
	assert.Equal(t, int32(1), closed.Load())
}

func TestWithReleasesOnError(t *testing.T) {
	var made atomic.Int32
	p := New(1, countingFactory(&made), nil)

	boom := errors.New("handler failed")
	err := p.With(context.Background(), func(int) error { return boom })
	require.ErrorIs(t, err, boom)

	// Slot must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.NoError(t, err)
}
