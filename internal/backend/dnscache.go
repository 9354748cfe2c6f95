package backend

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSCacheTTL = 5 * time.Minute

var (
	resolverMu      sync.Mutex
	globalResolver  *dnscache.Resolver
	resolverRefresh = defaultDNSCacheTTL
)

// SetDNSCacheTTL updates the DNS cache refresh interval. Call before the first
// client is created.
func SetDNSCacheTTL(ttl time.Duration) {
	resolverMu.Lock()
	defer resolverMu.Unlock()
	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}
	resolverRefresh = ttl
}

func getDNSResolver() *dnscache.Resolver {
	resolverMu.Lock()
	defer resolverMu.Unlock()
	if globalResolver != nil {
		return globalResolver
	}

	ttl := resolverRefresh
	log.Debug().Dur("ttl", ttl).Msg("Initializing DNS resolver cache")
	globalResolver = &dnscache.Resolver{}

	go func(r *dnscache.Resolver) {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()
		for range ticker.C {
			r.Refresh(true)
		}
	}(globalResolver)

	return globalResolver
}

// dialContextWithCache resolves through the shared cache and dials the first
// address that answers.
func dialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := getDNSResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
