package sdr

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoDAB/internal/ringbuffer"
)

// countingSource yields blocks whose I word is a running sample counter.
type countingSource struct {
	perBlock int
	next     atomic.Int64
	calls    atomic.Int64
	fail     func(call int64) error
	// hang makes Refill ignore ctx until released.
	hang chan struct{}
}

func (s *countingSource) Refill(ctx context.Context) (RawBlock, error) {
	call := s.calls.Add(1) - 1
	if s.hang != nil {
		<-s.hang
	}
	if s.fail != nil {
		if err := s.fail(call); err != nil {
			return RawBlock{}, &RefillError{Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return RawBlock{}, err
	}
	data := make([]byte, 4*s.perBlock)
	for k := 0; k < s.perBlock; k++ {
		v := s.next.Add(1) - 1
		binary.LittleEndian.PutUint16(data[4*k:], uint16(int16(v%2048)))
		binary.LittleEndian.PutUint16(data[4*k+2:], uint16(int16(-(v % 2048))))
	}
	time.Sleep(time.Millisecond)
	return RawBlock{Data: data, Step: 4, Format: FormatS16LE, FullScale: 2048}, nil
}

func fastBackOff() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

func TestWorkerStartStopIdempotent(t *testing.T) {
	ring := ringbuffer.New(1 << 16)
	w := NewWorker(&countingSource{perBlock: 1024}, ring, WorkerOptions{BatchSize: 256})

	require.NoError(t, w.Stop(), "stop on a stopped worker")
	require.NoError(t, w.Start())
	require.NoError(t, w.Start(), "second start is a no-op")
	assert.Equal(t, Running, w.State())

	require.Eventually(t, func() bool { return ring.Available() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.Equal(t, Stopped, w.State())

	// A stopped worker can be started again.
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
}

func TestWorkerNoWritesAfterStop(t *testing.T) {
	ring := ringbuffer.New(1 << 20)
	w := NewWorker(&countingSource{perBlock: 4096}, ring, WorkerOptions{})

	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return ring.Available() >= DefaultBatchSize }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	written := ring.Stats().Written
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, written, ring.Stats().Written)
	assert.Zero(t, written%DefaultBatchSize, "only whole batches reach the ring")
}

func TestWorkerPublishesInOrder(t *testing.T) {
	ring := ringbuffer.New(1 << 20)
	src := &countingSource{perBlock: 1000}
	w := NewWorker(src, ring, WorkerOptions{BatchSize: 2048})

	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return ring.Available() >= 3*2048 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	out := make([]complex64, ring.Available())
	n := ring.Read(out)
	for k := 0; k < n; k++ {
		want := float32(k%2048) / 2048
		require.InDelta(t, want, real(out[k]), 1e-6, "sample %d", k)
		require.InDelta(t, -want, imag(out[k]), 1e-6, "sample %d", k)
	}
}

func TestWorkerRecoversFromRefillErrors(t *testing.T) {
	ring := ringbuffer.New(1 << 16)
	boom := errors.New("usb hiccup")
	src := &countingSource{perBlock: 2048, fail: func(call int64) error {
		if call < 3 {
			return boom
		}
		return nil
	}}
	obs := &recordingObserver{}
	w := NewWorker(src, ring, WorkerOptions{NewBackOff: fastBackOff, Observer: obs, Name: "test"})

	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return ring.Available() >= 2048 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	stats := w.Stats()
	assert.Equal(t, uint64(3), stats.RefillErrors)
	assert.GreaterOrEqual(t, stats.Refills, uint64(1))
	assert.Equal(t, 3, obs.errorCount())
}

func TestWorkerStopTimesOutOnStuckRefill(t *testing.T) {
	ring := ringbuffer.New(1024)
	src := &countingSource{perBlock: 16, hang: make(chan struct{})}
	w := NewWorker(src, ring, WorkerOptions{StopTimeout: 20 * time.Millisecond})

	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return src.calls.Load() > 0 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, w.Stop(), ErrWorkerStuck)
	assert.Equal(t, Stopping, w.State())
	assert.ErrorIs(t, w.Start(), ErrWorkerStuck)

	close(src.hang)
	require.NoError(t, w.Stop())
	assert.Equal(t, Stopped, w.State())
	assert.Zero(t, ring.Available())
}

func TestWorkerOverflowIsCounted(t *testing.T) {
	ring := ringbuffer.New(4096)
	obs := &recordingObserver{}
	w := NewWorker(&countingSource{perBlock: 4096}, ring, WorkerOptions{Observer: obs})

	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return w.Stats().Overwritten > 0 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	assert.Equal(t, 4096, ring.Available())
	assert.Equal(t, w.Stats().Overwritten, uint64(obs.overflowTotal()))
}

type recordingObserver struct {
	mu       sync.Mutex
	refills  int
	errors   int
	overflow int
}

func (o *recordingObserver) ObserveRefill(string, int, time.Duration) {
	o.mu.Lock()
	o.refills++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveRefillError(string, error) {
	o.mu.Lock()
	o.errors++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveOverflow(_ string, lost int) {
	o.mu.Lock()
	o.overflow += lost
	o.mu.Unlock()
}

func (o *recordingObserver) errorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errors
}

func (o *recordingObserver) overflowTotal() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflow
}
