package transport

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// Resolver looks up the IP addresses of a host. *net.Resolver
// implements it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// addressList is the rotating list of server addresses. A failed
// connect or login moves on to the next entry.
type addressList struct {
	mu       sync.Mutex
	resolver Resolver
	addrs    []string
	index    int
}

func newAddressList(resolver Resolver) *addressList {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &addressList{resolver: resolver}
}

// resolveAddresses returns every IP of host on every port, IPv6 first
// and then in string order.
func resolveAddresses(ctx context.Context, resolver Resolver, host string, ports []uint16) ([]string, error) {
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ips, func(i, j int) bool {
		iv6 := ips[i].IP.To4() == nil
		jv6 := ips[j].IP.To4() == nil
		if iv6 != jv6 {
			return iv6
		}
		return ips[i].String() < ips[j].String()
	})

	out := make([]string, 0, len(ips)*len(ports))
	for _, ip := range ips {
		for _, port := range ports {
			out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
		}
	}
	return out, nil
}

// refresh re-resolves the server host. The current index survives when
// the result is unchanged.
func (l *addressList) refresh(ctx context.Context, server ServerInfo) error {
	addrs, err := resolveAddresses(ctx, l.resolver, server.Host, server.Ports)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !equalStrings(addrs, l.addrs) {
		logrus.WithFields(logrus.Fields{
			"function":  "refresh",
			"host":      server.Host,
			"addresses": len(addrs),
		}).Debug("Server address list changed")
		l.addrs = addrs
		l.index = 0
	}
	return nil
}

// current returns the address to use next, or "" if none is known.
func (l *addressList) current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.addrs) == 0 {
		return ""
	}
	if l.index >= len(l.addrs) {
		l.index = 0
	}
	return l.addrs[l.index]
}

// advance moves to the next address, wrapping around.
func (l *addressList) advance() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index++
	if l.index >= len(l.addrs) {
		l.index = 0
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isIPv6Address(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}
