package sdr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/GoDAB/internal/logging"
	"github.com/rjboer/GoDAB/internal/ringbuffer"
)

const (
	DefaultBatchSize   = 2048
	DefaultStopTimeout = 5 * time.Second
)

// State is the lifecycle state of a Worker.
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// WorkerOptions tunes a Worker. Zero values select the defaults.
type WorkerOptions struct {
	Name        string
	BatchSize   int
	StopTimeout time.Duration
	// NewBackOff paces consecutive refill failures.
	NewBackOff func() backoff.BackOff
	Logger     logging.Logger
	Observer   Observer
}

// WorkerStats are cumulative counters of a Worker.
type WorkerStats struct {
	Refills      uint64 `json:"refills"`
	RefillErrors uint64 `json:"refillErrors"`
	Samples      uint64 `json:"samples"`
	Batches      uint64 `json:"batches"`
	Overwritten  uint64 `json:"overwritten"`
}

// Worker runs the acquisition loop: refill, convert, batch, publish.
type Worker struct {
	src  Source
	ring *ringbuffer.Ring
	opts WorkerOptions
	log  logging.Logger

	lifecycle sync.Mutex
	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}

	refills      atomic.Uint64
	refillErrors atomic.Uint64
	samples      atomic.Uint64
	batches      atomic.Uint64
	overwritten  atomic.Uint64
}

// NewWorker creates a stopped worker that moves samples from src into ring.
func NewWorker(src Source, ring *ringbuffer.Ring, opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	log := logging.OrDefault(opts.Logger)
	if opts.Name != "" {
		log = log.With(logging.F("device", opts.Name))
	}
	return &Worker{src: src, ring: ring, opts: opts, log: log}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Running reports whether the acquisition goroutine is active.
func (w *Worker) Running() bool { return w.State() == Running }

// Start launches the acquisition goroutine. It is a no-op when running.
func (w *Worker) Start() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	switch w.State() {
	case Running:
		return nil
	case Stopping:
		return ErrWorkerStuck
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.state.Store(int32(Running))

	go w.run(ctx, done)
	w.log.Info("acquisition started")
	return nil
}

// Stop cancels the acquisition goroutine and waits for it to exit. When it
// returns nil no further samples are written to the ring.
func (w *Worker) Stop() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.State() == Stopped {
		return nil
	}
	w.state.Store(int32(Stopping))
	w.cancel()

	timer := time.NewTimer(w.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		w.state.Store(int32(Stopped))
		w.log.Info("acquisition stopped")
		return nil
	case <-timer.C:
		w.log.Error("acquisition did not stop", logging.F("timeout", w.opts.StopTimeout.String()))
		return ErrWorkerStuck
	}
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Refills:      w.refills.Load(),
		RefillErrors: w.refillErrors.Load(),
		Samples:      w.samples.Load(),
		Batches:      w.batches.Load(),
		Overwritten:  w.overwritten.Load(),
	}
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// The partial batch lives across refills and is dropped on exit.
	batch := make([]complex64, 0, w.opts.BatchSize)
	bo := w.opts.NewBackOff()
	bo.Reset()

	for ctx.Err() == nil {
		start := time.Now()
		block, err := w.src.Refill(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.refillErrors.Add(1)
			w.opts.Observer.ObserveRefillError(w.opts.Name, err)
			pause := bo.NextBackOff()
			if pause == backoff.Stop {
				pause = time.Second
			}
			w.log.Warn("refill failed", logging.Err(err), logging.F("retry_in", pause.String()))
			if !sleepCtx(ctx, pause) {
				return
			}
			continue
		}
		bo.Reset()
		w.refills.Add(1)

		n := block.Samples()
		w.opts.Observer.ObserveRefill(w.opts.Name, n, time.Since(start))
		off := block.First
		for k := 0; k < n; k++ {
			batch = append(batch, block.At(off))
			off += block.Step
			if len(batch) == cap(batch) {
				w.publish(batch)
				batch = batch[:0]
			}
		}
		w.samples.Add(uint64(n))
	}
}

func (w *Worker) publish(batch []complex64) {
	lost := w.ring.Write(batch)
	w.batches.Add(1)
	if lost > 0 {
		w.overwritten.Add(uint64(lost))
		w.opts.Observer.ObserveOverflow(w.opts.Name, lost)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
