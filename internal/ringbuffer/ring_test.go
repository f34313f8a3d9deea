package ringbuffer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(from, n int) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		out[i] = complex(float32(from+i), -float32(from+i))
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	r := New(4096)
	in := make([]complex64, 1000)
	for i := range in {
		in[i] = complex(0.5, -0.5)
	}

	assert.Equal(t, 0, r.Write(in))
	assert.Equal(t, 1000, r.Available())

	out := make([]complex64, 1000)
	require.Equal(t, 1000, r.Read(out))
	assert.Equal(t, in, out)
	assert.Equal(t, 0, r.Available())
}

func TestOverflowKeepsNewest(t *testing.T) {
	r := New(1024)

	lost := r.Write(sequence(0, 1200))

	assert.Equal(t, 176, lost)
	assert.Equal(t, 1024, r.Available())

	out := make([]complex64, 1024)
	require.Equal(t, 1024, r.Read(out))
	assert.Equal(t, sequence(176, 1024), out)
}

func TestOverflowAcrossWrites(t *testing.T) {
	r := New(1024)

	r.Write(sequence(0, 1000))
	lost := r.Write(sequence(1000, 200))

	assert.Equal(t, 176, lost)
	out := make([]complex64, 2048)
	n := r.Read(out)
	require.Equal(t, 1024, n)
	assert.Equal(t, sequence(176, 1024), out[:n])
}

func TestStatsCountIncomingSamples(t *testing.T) {
	r := New(1024)

	r.Write(sequence(0, 1000))
	r.Write(sequence(1000, 100))
	assert.Equal(t, Stats{Written: 1100, Overwritten: 76}, r.Stats())

	r.Write(sequence(1100, 2000))
	out := make([]complex64, 10)
	r.Read(out)
	assert.Equal(t, Stats{Written: 3100, Overwritten: 76 + 2000, Read: 10}, r.Stats())
	assert.Equal(t, uint64(1024-10), r.Stats().Written-r.Stats().Overwritten-r.Stats().Read)
}

func TestAvailableMatchesModel(t *testing.T) {
	const capacity = 777
	rng := rand.New(rand.NewSource(7))
	r := New(capacity)

	available := 0
	next := 0
	var expected []complex64
	for step := 0; step < 500; step++ {
		if rng.Intn(3) == 0 {
			want := rng.Intn(capacity + 1)
			out := make([]complex64, want)
			got := r.Read(out)
			require.Equal(t, min(want, available), got, "step %d", step)
			assert.Equal(t, expected[:got], out[:got], "step %d", step)
			expected = expected[got:]
			available -= got
			continue
		}

		count := rng.Intn(2 * capacity)
		batch := sequence(next, count)
		next += count
		r.Write(batch)

		available = min(available+count, capacity)
		expected = append(expected, batch...)
		expected = expected[len(expected)-available:]
		require.Equal(t, available, r.Available(), "step %d", step)
	}
}

func TestReadPartial(t *testing.T) {
	r := New(16)
	r.Write(sequence(0, 5))

	out := make([]complex64, 10)
	assert.Equal(t, 5, r.Read(out))
	assert.Equal(t, 0, r.Read(out))
}

func TestResetEmpties(t *testing.T) {
	for _, fill := range []int{0, 1, 15, 16, 40} {
		t.Run(fmt.Sprintf("fill=%d", fill), func(t *testing.T) {
			r := New(16)
			r.Write(sequence(0, fill))
			r.Reset()
			assert.Equal(t, 0, r.Available())
			assert.Equal(t, 16, r.Free())

			r.Write(sequence(100, 3))
			out := make([]complex64, 3)
			require.Equal(t, 3, r.Read(out))
			assert.Equal(t, sequence(100, 3), out)
		})
	}
}

func TestWaitWakesOnWrite(t *testing.T) {
	r := New(64)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(5 * time.Millisecond)
			r.Write(sequence(i*8, 8))
		}
	}()

	require.NoError(t, r.Wait(ctx, 32))
	assert.GreaterOrEqual(t, r.Available(), 32)
}

func TestWaitHonoursContext(t *testing.T) {
	r := New(64)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, r.Wait(ctx, 1), context.DeadlineExceeded)
	assert.Error(t, r.Wait(context.Background(), 65))
}

func TestConcurrentProducerConsumerKeepsOrder(t *testing.T) {
	r := New(1 << 16)
	const total = 200_000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i += 1000 {
			r.Write(sequence(i, 1000))
		}
	}()

	last := float32(-1)
	got := 0
	out := make([]complex64, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for got < total && time.Now().Before(deadline) {
		n := r.Read(out)
		for _, s := range out[:n] {
			require.Greater(t, real(s), last)
			last = real(s)
		}
		got += n
		if n == 0 {
			wg.Wait()
			if r.Available() == 0 {
				break
			}
		}
	}
	wg.Wait()

	stats := r.Stats()
	assert.Equal(t, uint64(total), stats.Written)
	assert.Equal(t, stats.Written-stats.Overwritten, stats.Read+uint64(r.Available()))
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New(0) })
}
