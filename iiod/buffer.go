package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultRefillTimeout bounds a single READBUF round trip. A refill can not
// be interrupted any faster than this once it has been issued.
const DefaultRefillTimeout = 2 * time.Second

// Block is one refilled buffer. Data holds Samples interleaved samples;
// sample k of the first enabled channel starts at First + k*Step.
type Block struct {
	Data    []byte
	First   int
	Step    int
	Samples int
}

// Buffer is a streaming buffer opened on its own IIOD connection, so that
// refills never hold up attribute traffic on the control connection.
type Buffer struct {
	// RefillTimeout bounds one refill when ctx carries no earlier deadline.
	RefillTimeout time.Duration

	device  string
	samples int
	mask    uint32
	layout  []ScanChannel
	step    int

	dial DialFunc

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	data   []byte
	broken bool
	closed bool
}

// OpenBuffer enables the given input channels of device and opens a buffer of
// samples samples on a fresh connection. The channel mask is built from the
// scan indices published in the XML context.
func (c *Client) OpenBuffer(ctx context.Context, device string, samples int, channels []string) (*Buffer, error) {
	if samples <= 0 {
		return nil, fmt.Errorf("sample count must be positive")
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to enable")
	}
	if c.dial == nil {
		return nil, fmt.Errorf("client has no dialer for streaming connections")
	}

	xctx, err := c.Context(ctx)
	if err != nil {
		return nil, err
	}
	dev, ok := xctx.Device(device)
	if !ok {
		return nil, fmt.Errorf("device %q not found", device)
	}
	layout, step, err := dev.ScanLayout(channels)
	if err != nil {
		return nil, err
	}

	var mask uint32
	for _, ch := range layout {
		if ch.Index >= 32 {
			return nil, fmt.Errorf("channel %s scan index %d out of mask range", ch.ID, ch.Index)
		}
		mask |= 1 << uint(ch.Index)
	}

	b := &Buffer{
		RefillTimeout: DefaultRefillTimeout,
		device:        dev.ID,
		samples:       samples,
		mask:          mask,
		layout:        layout,
		step:          step,
		dial:          c.dial,
		data:          make([]byte, samples*step),
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.Timeout)
	}
	if err := b.connect(ctx, deadline); err != nil {
		return nil, err
	}
	return b, nil
}

// connect dials a streaming connection and issues OPEN on it.
func (b *Buffer) connect(ctx context.Context, deadline time.Time) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	_ = conn.SetDeadline(deadline)
	b.conn = conn
	b.reader = bufio.NewReader(conn)
	b.broken = false

	if _, err := b.protocol().exec(fmt.Sprintf("OPEN %s %d %08x", b.device, b.samples, b.mask), nil); err != nil {
		conn.Close()
		b.broken = true
		return fmt.Errorf("open buffer on %s: %w", b.device, err)
	}
	return nil
}

// reopen replaces a streaming connection whose last READBUF reply was not
// fully consumed. The device releases the old buffer with the connection.
func (b *Buffer) reopen(ctx context.Context, deadline time.Time) error {
	if b.conn != nil {
		_ = b.conn.Close()
	}
	if err := b.connect(ctx, deadline); err != nil {
		return fmt.Errorf("reopen stream: %w", err)
	}
	return nil
}

// Device returns the id of the streaming device.
func (b *Buffer) Device() string { return b.device }

// Step returns the size in bytes of one interleaved sample.
func (b *Buffer) Step() int { return b.step }

// Layout returns the enabled channels ordered as they appear in a sample.
func (b *Buffer) Layout() []ScanChannel { return b.layout }

// Refill reads one full buffer from the device. The returned block aliases
// an internal slice that is overwritten by the next Refill.
func (b *Buffer) Refill(ctx context.Context) (Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Block{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}

	deadline := time.Now().Add(b.RefillTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if b.broken {
		if err := b.reopen(ctx, deadline); err != nil {
			return Block{}, err
		}
	}
	_ = b.conn.SetDeadline(deadline)

	p := b.protocol()
	if err := p.writeLine(fmt.Sprintf("READBUF %s %d", b.device, len(b.data))); err != nil {
		return Block{}, err
	}

	got := 0
	maskRead := false
	for got < len(b.data) {
		n, err := p.readInteger()
		if err != nil {
			return Block{}, fmt.Errorf("read READBUF length: %w", err)
		}
		if n < 0 {
			return Block{}, &StatusError{Cmd: "READBUF", Code: n}
		}
		if n == 0 {
			break
		}
		if !maskRead {
			if _, err := p.readLine(); err != nil {
				return Block{}, fmt.Errorf("read READBUF mask: %w", err)
			}
			maskRead = true
		}
		if got+n > len(b.data) {
			b.broken = true
			return Block{}, fmt.Errorf("READBUF returned %d bytes, only %d expected", got+n, len(b.data))
		}
		if err := p.readFull(b.data[got : got+n]); err != nil {
			return Block{}, fmt.Errorf("read READBUF payload: %w", err)
		}
		got += n
	}

	if got == 0 {
		return Block{}, errors.New("READBUF returned no data")
	}
	got -= got % b.step
	return Block{Data: b.data[:got], First: 0, Step: b.step, Samples: got / b.step}, nil
}

// Close sends CLOSE for the device and drops the streaming connection.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.broken {
		if b.conn != nil {
			_ = b.conn.Close()
		}
		return nil
	}

	_ = b.conn.SetDeadline(time.Now().Add(time.Second))
	_, cmdErr := b.protocol().exec("CLOSE "+b.device, nil)
	connErr := b.conn.Close()
	if cmdErr != nil {
		return fmt.Errorf("close buffer on %s: %w", b.device, cmdErr)
	}
	return connErr
}

func (b *Buffer) protocol() *protocol {
	return &protocol{conn: b.conn, r: b.reader, broken: &b.broken}
}
