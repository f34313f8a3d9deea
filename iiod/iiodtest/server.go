// Package iiodtest provides an in-process IIOD server for tests.
package iiodtest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// PlutoXML is a trimmed ADALM-Pluto context with the devices and channels a
// receive session touches.
const PlutoXML = `<?xml version="1.0" encoding="utf-8"?>
<context name="network" version-major="0" version-minor="25" description="192.168.2.1 Linux pluto 5.10.0 armv7l">
<context-attribute name="hw_model" value="Analog Devices PlutoSDR Rev.C (Z7010-AD9363A)" />
<device id="iio:device0" name="adm1177"><channel id="voltage0" type="input"><attribute name="raw" /></channel></device>
<device id="iio:device1" name="ad9361-phy">
<channel id="voltage0" type="input">
<attribute name="hardwaregain" /><attribute name="gain_control_mode" /><attribute name="rf_port_select" />
<attribute name="rf_bandwidth" /><attribute name="sampling_frequency" /><attribute name="rssi" />
</channel>
<channel id="voltage0" type="output"><attribute name="hardwaregain" /><attribute name="rf_port_select" /></channel>
<channel id="altvoltage0" name="RX_LO" type="output"><attribute name="frequency" /><attribute name="powerdown" /></channel>
<channel id="altvoltage1" name="TX_LO" type="output"><attribute name="frequency" /></channel>
<channel id="temp0" type="input"><attribute name="input" /></channel>
<attribute name="ensm_mode" />
</device>
<device id="iio:device3" name="cf-ad9361-lpc">
<channel id="voltage0" type="input"><scan-element index="0" format="le:S12/16&gt;&gt;0" scale="1.000000" /><attribute name="calibphase" /></channel>
<channel id="voltage1" type="input"><scan-element index="1" format="le:S12/16&gt;&gt;0" scale="1.000000" /><attribute name="calibphase" /></channel>
<attribute name="sync_start_enable" />
</device>
</context>`

// Server is a scripted IIOD responder. Every accepted connection is served
// concurrently, as the real daemon does for control and stream sockets.
type Server struct {
	// XML is returned for PRINT.
	XML string
	// Attrs holds attribute values keyed by Key.
	Attrs map[string]string
	// WriteStatus forces the reply of a WRITE to the given attribute key.
	WriteStatus map[string]int
	// ReadbufStatus, when non-zero, is returned for every READBUF.
	ReadbufStatus int
	// Chunk limits the payload size of one READBUF reply chunk.
	Chunk int
	// Fill produces the bytes of a READBUF reply.
	Fill func(n int) []byte

	listener net.Listener

	mu       sync.Mutex
	stalls   int
	writes   []string
	commands []string
	conns    []net.Conn
	wg       sync.WaitGroup
}

// Key builds the attribute key for a device attribute (channel == "") or a
// channel attribute.
func Key(device, channel string, output bool, attr string) string {
	if channel == "" {
		return device + "/" + attr
	}
	dir := "in"
	if output {
		dir = "out"
	}
	return device + "/" + dir + "/" + channel + "/" + attr
}

// NewServer starts a server on a loopback port. It is closed on test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		XML:         PlutoXML,
		Attrs:       map[string]string{},
		WriteStatus: map[string]int{},
		Chunk:       1 << 16,
		Fill:        Ramp,
		listener:    ln,
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port of the server.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Close stops accepting and drops every open connection.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Writes returns "key=value" for every successful WRITE in arrival order.
func (s *Server) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// Commands returns every command line received.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Attr returns the current value of an attribute.
func (s *Server) Attr(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Attrs[key]
}

// SetWriteStatus forces the reply code of a WRITE to key.
func (s *Server) SetWriteStatus(key string, code int) {
	s.mu.Lock()
	s.WriteStatus[key] = code
	s.mu.Unlock()
}

// SetReadbufStatus makes every following READBUF fail with code (0 clears).
func (s *Server) SetReadbufStatus(code int) {
	s.mu.Lock()
	s.ReadbufStatus = code
	s.mu.Unlock()
}

// StallReplies makes the next n READ or READBUF replies stop halfway through
// their payload. The connection is then held silent until the client drops
// it.
func (s *Server) StallReplies(n int) {
	s.mu.Lock()
	s.stalls = n
	s.mu.Unlock()
}

func (s *Server) stallNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stalls == 0 {
		return false
	}
	s.stalls--
	return true
}

// stall sends head and half of payload, then waits for the peer to hang up.
func stall(r *bufio.Reader, w *bufio.Writer, head string, payload []byte) error {
	if _, err := w.WriteString(head); err != nil {
		return err
	}
	if _, err := w.Write(payload[:len(payload)/2]); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, r)
	return io.EOF
}

// Ramp fills n bytes with int16 I/Q pairs counting up from zero, I = k and
// Q = -k for sample k.
func Ramp(n int) []byte {
	out := make([]byte, n)
	for k := 0; 4*k+4 <= n; k++ {
		binary.LittleEndian.PutUint16(out[4*k:], uint16(int16(k%2048)))
		binary.LittleEndian.PutUint16(out[4*k+2:], uint16(-int16(k%2048)))
	}
	return out
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		if err := s.handle(line, r, w); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handle(line string, r *bufio.Reader, w *bufio.Writer) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "VERSION":
		_, err := fmt.Fprintf(w, "0.25 b6028fd v0.25\n")
		return err
	case "PRINT":
		_, err := fmt.Fprintf(w, "%d\n%s\n", len(s.XML), s.XML)
		return err
	case "TIMEOUT", "OPEN", "CLOSE":
		_, err := fmt.Fprintf(w, "0\n")
		return err
	case "READ":
		key, ok := attrKey(fields[1:])
		if !ok {
			return status(w, -22)
		}
		s.mu.Lock()
		val, found := s.Attrs[key]
		s.mu.Unlock()
		if !found {
			return status(w, -2)
		}
		if s.stallNext() {
			return stall(r, w, fmt.Sprintf("%d\n", len(val)), []byte(val))
		}
		_, err := fmt.Fprintf(w, "%d\n%s\n", len(val), val)
		return err
	case "WRITE":
		if len(fields) < 3 {
			return status(w, -22)
		}
		size, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return status(w, -22)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		key, ok := attrKey(fields[1 : len(fields)-1])
		if !ok {
			return status(w, -22)
		}
		s.mu.Lock()
		code, forced := s.WriteStatus[key]
		if !forced {
			s.Attrs[key] = string(payload)
			s.writes = append(s.writes, key+"="+string(payload))
			code = size
		}
		s.mu.Unlock()
		return status(w, code)
	case "READBUF":
		if len(fields) != 3 {
			return status(w, -22)
		}
		s.mu.Lock()
		code, fill, chunk := s.ReadbufStatus, s.Fill, s.Chunk
		s.mu.Unlock()
		if code != 0 {
			return status(w, code)
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return status(w, -22)
		}
		data := fill(n)
		if s.stallNext() {
			return stall(r, w, fmt.Sprintf("%d\n%08x\n", len(data), 3), data)
		}
		for off := 0; off < len(data); off += chunk {
			end := min(off+chunk, len(data))
			if _, err := fmt.Fprintf(w, "%d\n", end-off); err != nil {
				return err
			}
			if off == 0 {
				if _, err := fmt.Fprintf(w, "%08x\n", 3); err != nil {
					return err
				}
			}
			if _, err := w.Write(data[off:end]); err != nil {
				return err
			}
		}
		return nil
	default:
		return status(w, -22)
	}
}

func status(w io.Writer, code int) error {
	_, err := fmt.Fprintf(w, "%d\n", code)
	return err
}

// attrKey maps "dev attr" or "dev INPUT|OUTPUT ch attr" to a Key.
func attrKey(f []string) (string, bool) {
	switch len(f) {
	case 2:
		return Key(f[0], "", false, f[1]), true
	case 4:
		switch f[1] {
		case "INPUT":
			return Key(f[0], f[2], false, f[3]), true
		case "OUTPUT":
			return Key(f[0], f[2], true, f[3]), true
		}
	}
	return "", false
}
