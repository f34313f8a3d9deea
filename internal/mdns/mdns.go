// Package mdns finds IIOD servers advertised over DNS-SD.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/rjboer/GoDAB/internal/logging"
)

// Service is the DNS-SD service type IIOD registers.
const Service = "_iio._tcp"

// ErrNotFound is returned by SelectURI when no host matches.
var ErrNotFound = errors.New("mdns: no iiod host found")

// Host represents a discovered IIOD-capable device
type Host struct {
	Instance  string // Advertised name: "iiod on pluto"
	Hostname  string // DNS hostname: "pluto.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// URI returns host:port for dialing, preferring an IPv4 address.
func (h Host) URI() string {
	host := strings.TrimSuffix(h.Hostname, ".")
	var v6 net.IP
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			host = ip.String()
			v6 = nil
			break
		}
		if v6 == nil {
			v6 = ip
		}
	}
	if v6 != nil {
		host = v6.String()
	}
	port := h.Port
	if port == 0 {
		port = 30431
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// browseFunc matches (*zeroconf.Resolver).Browse.
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Discoverer browses for IIOD services.
type Discoverer struct {
	browse browseFunc
	logger logging.Logger
}

// NewDiscoverer builds a Discoverer on the system's multicast interfaces.
func NewDiscoverer(logger logging.Logger) (*Discoverer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}
	return &Discoverer{browse: resolver.Browse, logger: logging.OrDefault(logger)}, nil
}

// DiscoverIIOD is a one-shot browse with a fresh resolver.
func DiscoverIIOD(ctx context.Context, timeout time.Duration, logger logging.Logger) ([]Host, error) {
	d, err := NewDiscoverer(logger)
	if err != nil {
		return nil, err
	}
	return d.Discover(ctx, timeout)
}

// Discover browses for timeout and returns deduplicated hosts sorted by
// instance name.
func (d *Discoverer) Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger := logging.OrDefault(d.logger)

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}

				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				h := Host{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
				if _, seen := resultMap[key]; !seen {
					logger.Debug("iiod host found", logging.F("instance", h.Instance), logging.F("uri", h.URI()))
				}
				resultMap[key] = h

			case <-ctx.Done():
				return
			}
		}
	}()

	if err := d.browse(ctx, Service, "local.", entries); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Hostname < out[j].Hostname
	})
	return out, nil
}

// SelectURI picks the first host whose instance or hostname contains name
// (case-insensitive). An empty name selects the first host.
func SelectURI(hosts []Host, name string) (string, error) {
	name = strings.ToLower(name)
	for _, h := range hosts {
		if name == "" ||
			strings.Contains(strings.ToLower(h.Instance), name) ||
			strings.Contains(strings.ToLower(h.Hostname), name) {
			return h.URI(), nil
		}
	}
	return "", ErrNotFound
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
