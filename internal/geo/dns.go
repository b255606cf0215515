package geo

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DNSResolver performs reverse DNS (PTR) lookups with a TTL cache and a per-second query cap.
type DNSResolver struct {
	cache     *ttlcache.Cache[string, string]
	maxQPS    int
	qpsTicker time.Time
	qpsCount  int
	mu        sync.Mutex
	lookup    func(ctx context.Context, addr string) ([]string, error)
}

// NewDNSResolver creates a PTR resolver. resolverAddr ("host:port") pins a DNS server; "" uses the system resolver.
func NewDNSResolver(cacheTTL time.Duration, maxQPS int, resolverAddr string) *DNSResolver {
	if maxQPS <= 0 {
		maxQPS = 10
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	r := net.DefaultResolver
	if resolverAddr != "" {
		r = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, resolverAddr)
			},
		}
	}
	return &DNSResolver{
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](cacheTTL),
			ttlcache.WithCapacity[string, string](100_000),
		),
		maxQPS: maxQPS,
		lookup: r.LookupAddr,
	}
}

// Start runs the cache's expiry loop until Stop is called.
func (d *DNSResolver) Start() { d.cache.Start() }

// Stop ends the expiry loop.
func (d *DNSResolver) Stop() { d.cache.Stop() }

// LookupPTR returns the PTR name for ip, from cache or lookup, rate-limited. Empty string if none.
func (d *DNSResolver) LookupPTR(ctx context.Context, ip net.IP) string {
	key := ip.String()
	if item := d.cache.Get(key); item != nil {
		return item.Value()
	}

	d.mu.Lock()
	now := time.Now()
	if now.Sub(d.qpsTicker) >= time.Second {
		d.qpsTicker = now
		d.qpsCount = 0
	}
	if d.qpsCount >= d.maxQPS {
		d.mu.Unlock()
		return ""
	}
	d.qpsCount++
	d.mu.Unlock()

	ptr, err := d.lookup(ctx, key)
	if err != nil || len(ptr) == 0 {
		d.cache.Set(key, "", ttlcache.DefaultTTL)
		return ""
	}
	name := strings.TrimSuffix(ptr[0], ".")
	d.cache.Set(key, name, ttlcache.DefaultTTL)
	return name
}
