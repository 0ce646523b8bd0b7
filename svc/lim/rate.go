package lim

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"takobin/svc/db"
	"takobin/svc/util"
)

const (
	maxClients    = 10000
	sweepInterval = 5 * time.Minute
	clientTTL     = 30 * time.Minute
	adaptiveFor   = 60 * time.Second
)

// Limiter enforces a global per-endpoint budget through Redis and falls
// back to conservative per-IP token buckets when Redis is absent or slow.
type Limiter struct {
	rdb            *db.Redis
	trustedProxies []string

	detector      *AnomalyDetector
	adaptiveUntil int64

	mu       sync.Mutex
	clients  map[string]*client
	sweeping chan struct{}

	globalRPM         int
	burst             int
	conservativeLimit int

	quit chan struct{}
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(globalRPM, burst, conservativeLimit int, rdb *db.Redis, trustedProxies []string) *Limiter {
	l := &Limiter{
		rdb:               rdb,
		trustedProxies:    trustedProxies,
		clients:           make(map[string]*client),
		sweeping:          make(chan struct{}, 1),
		globalRPM:         globalRPM,
		burst:             burst,
		conservativeLimit: conservativeLimit,
		quit:              make(chan struct{}),
	}
	l.detector = NewAnomalyDetector(l.triggerAdaptiveMode)
	l.detector.Start()
	go l.sweepLoop()
	return l
}

func (l *Limiter) Stop() {
	close(l.quit)
	l.detector.Stop()
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func (l *Limiter) triggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveUntil, time.Now().Add(adaptiveFor).Unix())
}

func (l *Limiter) adaptive() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveUntil)
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictStale() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > clientTTL {
			delete(l.clients, key)
			evicted++
		}
	}
	remaining := len(l.clients)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter sweep")
	}
}

// CheckLimit consults the shared Redis counter when available. Any Redis
// failure degrades to the local per-IP path rather than letting traffic
// through unmetered.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *Result {
	ip := GetRealIP(r, l.trustedProxies)
	now := time.Now()

	limit := l.globalRPM
	if l.adaptive() {
		limit = max(limit/2, 1)
	}

	if l.rdb == nil {
		return l.checkLocal(ip, endpoint)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
	defer cancel()
	usage, err := l.rdb.RateLimit(ctx, "global:"+endpoint, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		return l.checkLocal(ip, endpoint)
	}
	return &Result{
		Allowed:   usage <= limit,
		Limit:     limit,
		Remaining: max(limit-usage, 0),
		Reset:     now.Add(time.Minute),
	}
}

func (l *Limiter) checkLocal(ip, endpoint string) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.clients) >= (maxClients*9)/10 {
		l.scheduleEviction(len(l.clients) / 10)
	}
	if len(l.clients) >= maxClients {
		util.Warn().Int("clients", len(l.clients)).Str("ip", ip).Msg("rate limiter at capacity, rejecting request")
		return &Result{Limit: l.conservativeLimit, Reset: time.Now().Add(time.Minute)}
	}

	limit := l.conservativeLimit
	if l.adaptive() {
		limit = max(limit/2, 1)
	}

	key := ip + ":" + endpoint
	c, ok := l.clients[key]
	if !ok {
		c = &client{bucket: rate.NewLimiter(rate.Limit(limit)/60.0, limit)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()

	res := &Result{Limit: limit, Reset: time.Now().Add(time.Minute)}
	if c.bucket.Allow() {
		res.Allowed = true
		res.Remaining = l.conservativeLimit - 1
	}
	return res
}

// scheduleEviction kicks off at most one background eviction at a time.
// Caller holds l.mu.
func (l *Limiter) scheduleEviction(count int) {
	if count <= 0 {
		return
	}
	select {
	case l.sweeping <- struct{}{}:
		go func() {
			defer func() { <-l.sweeping }()
			l.evictOldest(count)
		}()
	default:
	}
}

func (l *Limiter) evictOldest(count int) {
	type aged struct {
		key      string
		lastSeen time.Time
	}
	l.mu.Lock()
	if len(l.clients) < (maxClients*8)/10 {
		l.mu.Unlock()
		return
	}
	entries := make([]aged, 0, len(l.clients))
	for k, c := range l.clients {
		entries = append(entries, aged{k, c.lastSeen})
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, ok := l.clients[entries[i].key]; ok {
			delete(l.clients, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("limiter eviction completed")
	}
}

// GetRealIP walks X-Forwarded-For right to left past trusted proxies and
// returns the first address we did not append ourselves.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxHops = 100
	parsed := 0
	remaining := xff
	for len(remaining) > 0 && parsed < maxHops {
		var candidate string
		if i := strings.LastIndexByte(remaining, ','); i == -1 {
			candidate = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			candidate = strings.TrimSpace(remaining[i+1:])
			remaining = remaining[:i]
		}
		if candidate == "" {
			continue
		}
		parsed++
		if net.ParseIP(candidate) == nil {
			util.Warn().Str("ip", candidate).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(candidate, trustedProxies) {
			return candidate
		}
	}
	if parsed >= maxHops {
		util.Warn().Int("parsed", parsed).Str("remote", remoteIP).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil {
				if parsed := net.ParseIP(ip); parsed != nil && subnet.Contains(parsed) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
