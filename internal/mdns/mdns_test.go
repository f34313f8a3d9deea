package mdns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(instance, host string, port int, ips ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, Service, "local.")
	e.HostName = host
	e.Port = port
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip.To4() != nil {
			e.AddrIPv4 = append(e.AddrIPv4, ip)
		} else {
			e.AddrIPv6 = append(e.AddrIPv6, ip)
		}
	}
	return e
}

func fakeBrowse(list ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		if service != Service || domain != "local." {
			return errors.New("unexpected query")
		}
		go func() {
			defer close(entries)
			for _, e := range list {
				select {
				case entries <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}
}

func TestDiscoverDeduplicatesAndSorts(t *testing.T) {
	d := &Discoverer{browse: fakeBrowse(
		entry(`iiod\ on\ pluto`, "pluto.local.", 30431, "192.168.2.1"),
		nil,
		entry("iiod on adalm", "adalm.local.", 30431, "fe80::1", "10.0.0.7"),
		entry(`iiod\ on\ pluto`, "pluto.local.", 30431, "192.168.2.1"),
	)}

	hosts, err := d.Discover(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "iiod on adalm", hosts[0].Instance)
	assert.Equal(t, "iiod on pluto", hosts[1].Instance)
	assert.Equal(t, "10.0.0.7:30431", hosts[0].URI())
}

func TestDiscoverBrowseError(t *testing.T) {
	d := &Discoverer{browse: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
		return errors.New("no multicast")
	}}
	_, err := d.Discover(context.Background(), time.Second)
	assert.ErrorContains(t, err, "no multicast")
}

func TestHostURI(t *testing.T) {
	assert.Equal(t, "pluto.local:30431", Host{Hostname: "pluto.local."}.URI())
	assert.Equal(t, "[fe80::1]:1234", Host{Hostname: "x.", Port: 1234, Addresses: []net.IP{net.ParseIP("fe80::1")}}.URI())
}

func TestSelectURI(t *testing.T) {
	hosts := []Host{
		{Instance: "iiod on adalm", Hostname: "adalm.local.", Port: 30431},
		{Instance: "iiod on pluto", Hostname: "pluto.local.", Port: 30431, Addresses: []net.IP{net.ParseIP("192.168.2.1")}},
	}

	uri, err := SelectURI(hosts, "PLUTO")
	require.NoError(t, err)
	assert.Equal(t, "192.168.2.1:30431", uri)

	uri, err = SelectURI(hosts, "")
	require.NoError(t, err)
	assert.Equal(t, "adalm.local:30431", uri)

	_, err = SelectURI(hosts, "hackrf")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = SelectURI(nil, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
