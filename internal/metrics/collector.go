package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/license"
)

// Pinger is a dependency probed by the collector loop.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Collector owns the service registry.
type Collector struct {
	registry *prometheus.Registry

	mu           sync.RWMutex
	components   map[string]Pinger
	lastSnapshot time.Time

	up            *prometheus.GaugeVec
	verifications *prometheus.CounterVec
	events        *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	rateLimit     *prometheus.CounterVec
	redisErrors   prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry:   reg,
		components: map[string]Pinger{},
	}

	c.up = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "license_component_up",
		Help: "Status of backend components (1=up, 0=down)",
	}, []string{"component"})
	reg.MustRegister(c.up)

	c.verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "license_verifications_total",
		Help: "Verification outcomes by result and reject reason",
	}, []string{"result", "reason"})
	reg.MustRegister(c.verifications)

	c.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "license_events_total",
		Help: "Lifecycle events emitted by the engine",
	}, []string{"type"})
	reg.MustRegister(c.events)

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "license_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})
	reg.MustRegister(c.httpRequests)

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "license_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	reg.MustRegister(c.httpDuration)

	c.rateLimit = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "license_rate_limit_requests_total",
		Help: "Rate limiter decisions by scope and result",
	}, []string{"scope", "result"})
	reg.MustRegister(c.rateLimit)

	c.redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "license_rate_limit_redis_errors_total",
		Help: "Rate limiter calls that failed to reach Redis",
	})
	reg.MustRegister(c.redisErrors)

	return c
}

// Registry exposes the registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Watch adds a component to the up probe.
func (c *Collector) Watch(name string, p Pinger) {
	c.mu.Lock()
	c.components[name] = p
	c.mu.Unlock()
}

// Record counts engine events; verifications get their own series.
func (c *Collector) Record(_ context.Context, evt license.Event) {
	c.events.WithLabelValues(string(evt.Type)).Inc()
	switch evt.Type {
	case license.EventVerifyRejected:
		c.verifications.WithLabelValues("rejected", string(evt.Reason)).Inc()
	case license.EventDeviceActivated, license.EventDeviceRevalidated, license.EventDeviceReactivated:
		c.verifications.WithLabelValues("accepted", "").Inc()
	}
}

func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) RecordRateLimit(scope, result string) {
	c.rateLimit.WithLabelValues(scope, result).Inc()
}

func (c *Collector) RecordRedisError() {
	c.redisErrors.Inc()
}

// Start probes every watched component until ctx is done.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	c.mu.RLock()
	comps := make(map[string]Pinger, len(c.components))
	for k, v := range c.components {
		comps[k] = v
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for name, p := range comps {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := p.PingContext(pctx); err != nil {
				log.Debug().Err(err).Str("component", name).Msg("component probe failed")
				c.up.WithLabelValues(name).Set(0)
				return
			}
			c.up.WithLabelValues(name).Set(1)
		}(name, p)
	}
	wg.Wait()

	c.mu.Lock()
	c.lastSnapshot = time.Now()
	c.mu.Unlock()
}

// LastSnapshot is when the last probe round finished.
func (c *Collector) LastSnapshot() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSnapshot
}
