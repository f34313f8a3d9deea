package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultPort is the TCP port IIOD listens on.
const DefaultPort = 30431

// DialFunc opens a new connection to the IIOD server. The client uses it for
// the control connection and again for every streaming buffer.
type DialFunc func(ctx context.Context) (net.Conn, error)

// StatusError is a negative errno returned by IIOD for a command.
type StatusError struct {
	Cmd  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("iiod: %s returned %d", e.Cmd, e.Code)
}

// ErrClosed is returned when a command is issued on a closed client.
var ErrClosed = errors.New("iiod: client closed")

// Attr addresses a device attribute (Channel == "") or a channel attribute.
type Attr struct {
	Device  string
	Channel string
	Output  bool
	Name    string
}

func (a Attr) String() string {
	if a.Channel == "" {
		return a.Device + "/" + a.Name
	}
	return a.Device + "/" + a.Channel + "/" + a.Name
}

func (a Attr) command(verb string) string {
	if a.Channel == "" {
		return fmt.Sprintf("%s %s %s", verb, a.Device, a.Name)
	}
	dir := "INPUT"
	if a.Output {
		dir = "OUTPUT"
	}
	return fmt.Sprintf("%s %s %s %s %s", verb, a.Device, dir, a.Channel, a.Name)
}

// ----------------------------------------------------------------------
// Client
// ----------------------------------------------------------------------

// Client speaks the IIOD ASCII protocol on one control connection.
// Commands are serialised; streaming buffers use their own connections.
type Client struct {
	// Timeout bounds a single command round trip when ctx has no deadline.
	Timeout time.Duration

	dial DialFunc

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	broken  bool
	xmlData []byte
	parsed  *Context
}

// Dial connects to the IIOD server at addr ("host" or "host:port").
func Dial(ctx context.Context, addr string) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	dial := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: 3 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect to IIOD at %s: %w", addr, err)
		}
		return conn, nil
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, dial), nil
}

// NewClient wraps an established control connection. dial is used to open
// streaming connections and to replace a control connection left mid-reply;
// it may be nil if neither is needed.
func NewClient(conn net.Conn, dial DialFunc) *Client {
	return &Client{
		Timeout: 5 * time.Second,
		dial:    dial,
		conn:    conn,
		reader:  bufio.NewReader(conn),
	}
}

// Close shuts the control connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Version returns the server version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	if err := p.writeLine("VERSION"); err != nil {
		return "", err
	}
	line, err := p.readLine()
	if err != nil {
		return "", fmt.Errorf("read VERSION reply: %w", err)
	}
	return line, nil
}

// SetTimeout sets the server-side I/O timeout of this connection.
func (c *Client) SetTimeout(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.begin(ctx)
	if err != nil {
		return err
	}
	_, err = p.exec(fmt.Sprintf("TIMEOUT %d", d.Milliseconds()), nil)
	return err
}

// XML returns the raw context document, fetched once with PRINT.
func (c *Client) XML(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xmlLocked(ctx)
}

func (c *Client) xmlLocked(ctx context.Context) ([]byte, error) {
	if c.xmlData != nil {
		return c.xmlData, nil
	}
	p, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	n, err := p.exec("PRINT", nil)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if err := p.readFull(data); err != nil {
		return nil, fmt.Errorf("read XML context: %w", err)
	}
	c.xmlData = data
	return data, nil
}

// Context returns the parsed XML context.
func (c *Client) Context(ctx context.Context) (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parsed != nil {
		return c.parsed, nil
	}
	data, err := c.xmlLocked(ctx)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseContext(data)
	if err != nil {
		return nil, err
	}
	c.parsed = parsed
	return parsed, nil
}

// ReadAttr reads an attribute value.
func (c *Client) ReadAttr(ctx context.Context, a Attr) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	n, err := p.exec(a.command("READ"), nil)
	if err != nil {
		return "", err
	}
	data := make([]byte, n)
	if err := p.readFull(data); err != nil {
		return "", fmt.Errorf("read %s: %w", a, err)
	}
	return strings.TrimRight(string(data), "\x00\r\n"), nil
}

// WriteAttr writes an attribute value.
func (c *Client) WriteAttr(ctx context.Context, a Attr, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.begin(ctx)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("%s %d", a.command("WRITE"), len(value))
	_, err = p.exec(cmd, []byte(value))
	return err
}

func (c *Client) begin(ctx context.Context) (*protocol, error) {
	if c.conn == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.broken {
		if err := c.redial(ctx); err != nil {
			return nil, err
		}
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.Timeout)
	}
	_ = c.conn.SetDeadline(deadline)
	return &protocol{conn: c.conn, r: c.reader, broken: &c.broken}, nil
}

// redial replaces a control connection whose last reply was not fully read.
func (c *Client) redial(ctx context.Context) error {
	if c.dial == nil {
		return errors.New("iiod: control connection out of sync and no dialer to replace it")
	}
	_ = c.conn.Close()
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.broken = false
	return nil
}

// ----------------------------------------------------------------------
// Wire helpers
// ----------------------------------------------------------------------

type protocol struct {
	conn net.Conn
	r    *bufio.Reader
	// broken is set when an I/O or framing error leaves the stream at an
	// unknown position. Status replies keep it in sync.
	broken *bool
}

func (p *protocol) fail(err error) error {
	if p.broken != nil {
		*p.broken = true
	}
	return err
}

// writeLine sends a command terminated with CRLF.
func (p *protocol) writeLine(cmd string) error {
	if _, err := io.WriteString(p.conn, cmd+"\r\n"); err != nil {
		return p.fail(fmt.Errorf("send %q: %w", cmd, err))
	}
	return nil
}

// exec sends cmd plus an optional payload and returns the integer reply.
// Negative replies are turned into *StatusError.
func (p *protocol) exec(cmd string, payload []byte) (int, error) {
	if err := p.writeLine(cmd); err != nil {
		return 0, err
	}
	if len(payload) > 0 {
		if _, err := p.conn.Write(payload); err != nil {
			return 0, p.fail(fmt.Errorf("send payload for %q: %w", cmd, err))
		}
	}
	n, err := p.readInteger()
	if err != nil {
		return 0, fmt.Errorf("read reply to %q: %w", cmd, err)
	}
	if n < 0 {
		verb, _, _ := strings.Cut(cmd, " ")
		return n, &StatusError{Cmd: verb, Code: n}
	}
	return n, nil
}

// readInteger reads the next non-empty line and parses it as a decimal
// integer. Blank lines left over from a previous payload are skipped.
func (p *protocol) readInteger() (int, error) {
	for {
		line, err := p.readLine()
		if err != nil {
			return 0, err
		}
		if line == "" {
			continue
		}
		v, err := strconv.Atoi(line)
		if err != nil {
			return 0, p.fail(fmt.Errorf("parse integer %q: %w", line, err))
		}
		return v, nil
	}
}

// readLine reads one LF-terminated line without the terminator, CR or NUL
// padding.
func (p *protocol) readLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		return "", p.fail(err)
	}
	return strings.Trim(line, "\x00\r\n "), nil
}

func (p *protocol) readFull(dst []byte) error {
	if _, err := io.ReadFull(p.r, dst); err != nil {
		return p.fail(err)
	}
	return nil
}
