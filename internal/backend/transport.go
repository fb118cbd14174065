package backend

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSCacheTTL = 5 * time.Minute

var (
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
	resolverMu         sync.Mutex
	resolverRefreshTTL = defaultDNSCacheTTL
)

// SetDNSCacheTTL updates the DNS cache refresh interval. Must be called
// before the first client is created.
func SetDNSCacheTTL(ttl time.Duration) {
	resolverMu.Lock()
	defer resolverMu.Unlock()

	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}
	resolverRefreshTTL = ttl
}

func dnsResolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		resolverMu.Lock()
		ttl := resolverRefreshTTL
		resolverMu.Unlock()

		globalResolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for range ticker.C {
				globalResolver.Refresh(true)
			}
		}()
		log.Debug().Dur("ttl", ttl).Msg("Initialized backend DNS cache")
	})
	return globalResolver
}

func dialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := dnsResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// NewHTTPClient returns an http.Client whose dials go through the cached
// resolver.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialContextWithCache
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
