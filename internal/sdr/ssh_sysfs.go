package sdr

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rjboer/GoDAB/iiod"
)

// SSHConfig describes how to reach the Pluto shell for sysfs attribute
// writes. Older firmware (IIOD v0.25) rejects some writes that sysfs accepts.
type SSHConfig struct {
	Host      string
	User      string
	Password  string
	KeyPath   string
	Port      int
	SysfsRoot string
}

// SSHAttributeWriter writes IIO attributes through /sys/bus/iio over SSH.
type SSHAttributeWriter struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
}

// NewSSHAttributeWriter validates configuration and fills defaults. The
// connection is opened lazily on the first write.
func NewSSHAttributeWriter(cfg SSHConfig) (*SSHAttributeWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for sysfs fallback")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/bus/iio/devices"
	}
	return &SSHAttributeWriter{cfg: cfg}, nil
}

// WriteAttr writes value to the sysfs file backing a.
func (w *SSHAttributeWriter) WriteAttr(ctx context.Context, a iiod.Attr, value string) error {
	client, err := w.dial(ctx)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		w.reset()
		return fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	cmd := fmt.Sprintf("printf %s > %s", shellQuote(value), shellQuote(w.AttributePath(a)))
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("write sysfs attribute via ssh: %w", err)
	}
	return nil
}

// AttributePath maps an IIO attribute onto its sysfs file name.
func (w *SSHAttributeWriter) AttributePath(a iiod.Attr) string {
	base := path.Join(w.cfg.SysfsRoot, a.Device)
	if a.Channel == "" {
		return path.Join(base, a.Name)
	}
	prefix := "in"
	if a.Output {
		prefix = "out"
	}
	return path.Join(base, fmt.Sprintf("%s_%s_%s", prefix, a.Channel, a.Name))
}

// Close drops the SSH connection if one is open.
func (w *SSHAttributeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return nil
	}
	err := w.client.Close()
	w.client = nil
	return err
}

func (w *SSHAttributeWriter) reset() {
	_ = w.Close()
}

func (w *SSHAttributeWriter) dial(ctx context.Context) (*ssh.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.client != nil {
		return w.client, nil
	}

	auth := []ssh.AuthMethod{}
	if w.cfg.Password != "" {
		auth = append(auth, ssh.Password(w.cfg.Password))
	}
	if w.cfg.KeyPath != "" {
		key, err := os.ReadFile(w.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            w.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	w.client = ssh.NewClient(clientConn, chans, reqs)
	return w.client, nil
}

// shellQuote wraps value in single quotes for the remote shell.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
