package normalize

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
)

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

const (
	// resolverRefreshTTL drives periodic eviction of unused cache entries.
	resolverRefreshTTL = 5 * time.Minute
	// maxCachedNames triggers an early eviction pass when too many distinct
	// hostnames pile up between refresh ticks.
	maxCachedNames = 1000

	lookupTimeout = 3 * time.Second
)

// Resolver turns the device_ip / device_name attributes of a payload into a
// usable IPv4 address. Hostname lookups go through a caching DNS resolver so
// a chatty source does not hammer the nameserver.
type Resolver struct {
	dns *dnscache.Resolver

	mu    sync.Mutex
	names map[string]struct{}

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewResolver creates a resolver and starts its cache refresh loop.
func NewResolver() *Resolver {
	r := &Resolver{
		dns:    &dnscache.Resolver{},
		names:  make(map[string]struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go r.refreshLoop()
	return r
}

// Stop terminates the refresh loop.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Resolver) refreshLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(resolverRefreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evict()
			log.Debug().Msg("DNS cache refreshed")
		case <-r.stopCh:
			return
		}
	}
}

// evict drops cache entries that were not used since the previous pass.
func (r *Resolver) evict() {
	r.dns.Refresh(true)
	r.mu.Lock()
	r.names = make(map[string]struct{})
	r.mu.Unlock()
}

// DeviceIP resolves the address for a payload. The chain is: literal IPv4 in
// deviceIP, first IPv4 substring in deviceIP, DNS lookup of deviceIP, then
// the same three steps against deviceName. An empty result is a validation
// error and the caller drops the payload.
func (r *Resolver) DeviceIP(ctx context.Context, deviceIP, deviceName string) (string, error) {
	for _, candidate := range []string{deviceIP, deviceName} {
		if candidate == "" {
			continue
		}
		if ip := ExtractIPv4(candidate); ip != "" {
			return ip, nil
		}
		if ip := r.lookup(ctx, candidate); ip != "" {
			return ip, nil
		}
	}
	return "", pkgerrors.NewValidationError("resolve_device", "",
		fmt.Errorf("%w: no resolvable device address in payload", pkgerrors.ErrInvalidInput))
}

// lookup resolves a hostname to its first IPv4 address, returning "" when
// the name does not resolve.
func (r *Resolver) lookup(ctx context.Context, host string) string {
	r.mu.Lock()
	r.names[host] = struct{}{}
	overflow := len(r.names) > maxCachedNames
	r.mu.Unlock()
	if overflow {
		r.evict()
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	addrs, err := r.dns.LookupHost(lookupCtx, host)
	if err != nil {
		log.Debug().Err(err).Str("host", host).Msg("DNS lookup failed")
		return ""
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	return ""
}

// ExtractIPv4 returns the first valid dotted-quad IPv4 address embedded in s,
// or "" when none is present. Candidates like 300.1.1.1 match the pattern but
// fail net.ParseIP and are skipped.
func ExtractIPv4(s string) string {
	for _, candidate := range ipv4Pattern.FindAllString(s, -1) {
		if ip := net.ParseIP(candidate); ip != nil && ip.To4() != nil {
			return candidate
		}
	}
	return ""
}
