package framebuf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(v byte) *Frame {
	f := NewFrame(2, 2, 3)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func TestPublishOverwritesUnconsumedFrame(t *testing.T) {
	b := New()
	for i := 1; i <= 5; i++ {
		b.Publish(testFrame(byte(i)))
	}

	got, err := b.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(5), got.Pix[0])
	assert.Equal(t, uint64(5), got.Seq)

	assert.Nil(t, b.TryTake(), "slot should be empty after a take")

	stats := b.Stats()
	assert.Equal(t, Stats{Published: 5, Taken: 1, Dropped: 4}, stats)
}

func TestTakeBlocksUntilPublish(t *testing.T) {
	b := New()
	done := make(chan *Frame, 1)
	go func() {
		f, err := b.Take(context.Background())
		if err != nil {
			t.Errorf("Take: %v", err)
		}
		done <- f
	}()

	select {
	case <-done:
		t.Fatal("Take returned before any frame was published")
	case <-time.After(20 * time.Millisecond):
	}

	b.Publish(testFrame(7))

	select {
	case f := <-done:
		assert.Equal(t, byte(7), f.Pix[0])
	case <-time.After(time.Second):
		t.Fatal("Take did not wake after Publish")
	}
}

func TestTakeHonoursContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWakesWaiters(t *testing.T) {
	b := New()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.Take(context.Background())
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	b.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, ErrClosed))
		case <-time.After(time.Second):
			t.Fatal("waiter not released by Close")
		}
	}
}

func TestCloseKeepsPendingFrame(t *testing.T) {
	b := New()
	b.Publish(testFrame(1))
	b.Close()
	b.Publish(testFrame(2))

	f, err := b.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(1), f.Pix[0])

	_, err = b.Take(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNoFrameDeliveredTwice(t *testing.T) {
	b := New()
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			b.Publish(testFrame(byte(i)))
		}
		b.Close()
	}()

	var last uint64
	for {
		f, err := b.Take(context.Background())
		if errors.Is(err, ErrClosed) {
			break
		}
		require.NoError(t, err)
		require.Greater(t, f.Seq, last, "frames must arrive in increasing sequence")
		last = f.Seq
	}
	wg.Wait()

	stats := b.Stats()
	assert.Equal(t, uint64(n), stats.Published)
	assert.Equal(t, stats.Published, stats.Taken+stats.Dropped)
}

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr bool
	}{
		{"ok", NewFrame(4, 3, 3), false},
		{"zero width", &Frame{Width: 0, Height: 1, Channels: 3}, true},
		{"short pix", &Frame{Width: 2, Height: 2, Channels: 3, Pix: make([]byte, 5)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
