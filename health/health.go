// Package health implements the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openalpha/spot-core/engine"
	"github.com/openalpha/spot-core/metrics"
	"github.com/openalpha/spot-core/store"
	"github.com/openalpha/spot-core/types"
)

// Status grades a component or the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	// storePingBudget is the latency above which the store counts degraded.
	storePingBudget = time.Second

	// heartbeatStale marks a lane unhealthy when its loop has not beaten.
	heartbeatStale = 15 * time.Second

	// Queue depth thresholds for readiness grading.
	queueDepthDegraded = 10_000
	queueDepthCritical = 50_000
)

// Pinger is the relational connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SeedChecker reports whether the operational store has been seeded.
type SeedChecker interface {
	Ready(ctx context.Context) (bool, error)
}

// Check is the result for one component.
type Check struct {
	Status  Status `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report aggregates every component check.
type Report struct {
	Status Status           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

// Checker runs the probe logic.
type Checker struct {
	st     *store.Store
	rel    Pinger
	eng    *engine.Engine
	seeder SeedChecker
	mx     *metrics.Collector
	log    *zap.Logger
}

// New builds a checker. rel, eng and seeder may be nil in partial wirings;
// nil components are skipped.
func New(st *store.Store, rel Pinger, eng *engine.Engine, seeder SeedChecker, mx *metrics.Collector, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		st:     st,
		rel:    rel,
		eng:    eng,
		seeder: seeder,
		mx:     mx,
		log:    logger.With(zap.String("component", "health")),
	}
}

// Live reports process liveness: both backing stores reachable and every
// lane heartbeat fresh.
func (c *Checker) Live(ctx context.Context) Report {
	report := Report{Status: StatusHealthy, Checks: make(map[string]Check)}

	report.merge("store", c.checkStore(ctx))
	if c.rel != nil {
		report.merge("relational", c.checkRelational(ctx))
	}
	if c.eng != nil {
		report.merge("lanes", c.checkLanes())
	}
	return report
}

// Ready reports whether the process should receive traffic: live, seeded,
// and the change queues not critically deep.
func (c *Checker) Ready(ctx context.Context) Report {
	report := c.Live(ctx)

	if c.seeder != nil {
		seeded, err := c.seeder.Ready(ctx)
		switch {
		case err != nil:
			report.merge("seed", Check{Status: StatusUnhealthy, Detail: err.Error()})
		case !seeded:
			report.merge("seed", Check{Status: StatusUnhealthy, Detail: "seed incomplete"})
		default:
			report.merge("seed", Check{Status: StatusHealthy})
		}
	}
	report.merge("queues", c.checkQueues(ctx))
	return report
}

// Watch periodically refreshes queue depth and store latency gauges.
func (c *Checker) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.observe(ctx)
		}
	}
}

func (c *Checker) observe(ctx context.Context) {
	if c.mx == nil {
		return
	}
	if latency, err := c.st.Ping(ctx); err == nil {
		c.mx.StorePingLatency.Observe(float64(latency.Microseconds()) / 1000.0)
	}
	for _, kind := range types.EntityKinds {
		if depth, err := c.st.QueueDepth(ctx, kind); err == nil {
			c.mx.QueueDepth.WithLabelValues(string(kind)).Set(float64(depth))
		}
	}
}

func (c *Checker) checkStore(ctx context.Context) Check {
	latency, err := c.st.Ping(ctx)
	if err != nil {
		return Check{Status: StatusUnhealthy, Detail: err.Error()}
	}
	check := Check{Status: StatusHealthy, Latency: latency.String()}
	if latency > storePingBudget {
		check.Status = StatusDegraded
		check.Detail = "ping over budget"
	}
	return check
}

func (c *Checker) checkRelational(ctx context.Context) Check {
	if err := c.rel.Ping(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Check{Status: StatusHealthy}
}

func (c *Checker) checkLanes() Check {
	now := time.Now()
	for _, ls := range c.eng.LaneStatuses() {
		if ls.Halted {
			return Check{Status: StatusUnhealthy, Detail: "lane " + ls.Symbol + " halted: " + ls.HaltReason}
		}
		if now.Sub(ls.LastBeat) > heartbeatStale {
			return Check{Status: StatusUnhealthy, Detail: "lane " + ls.Symbol + " heartbeat stale"}
		}
	}
	return Check{Status: StatusHealthy}
}

func (c *Checker) checkQueues(ctx context.Context) Check {
	worst := Check{Status: StatusHealthy}
	for _, kind := range types.EntityKinds {
		depth, err := c.st.QueueDepth(ctx, kind)
		if err != nil {
			return Check{Status: StatusUnhealthy, Detail: err.Error()}
		}
		switch {
		case depth >= queueDepthCritical:
			return Check{Status: StatusUnhealthy, Detail: string(kind) + " queue critically deep"}
		case depth >= queueDepthDegraded && worst.Status == StatusHealthy:
			worst = Check{Status: StatusDegraded, Detail: string(kind) + " queue backing up"}
		}
	}
	return worst
}

// merge records a check and downgrades the aggregate status.
func (r *Report) merge(name string, check Check) {
	r.Checks[name] = check
	switch check.Status {
	case StatusUnhealthy:
		r.Status = StatusUnhealthy
	case StatusDegraded:
		if r.Status == StatusHealthy {
			r.Status = StatusDegraded
		}
	}
}

// LiveHandler serves the liveness probe. Degraded still returns 200.
func (c *Checker) LiveHandler() gin.HandlerFunc {
	return func(g *gin.Context) {
		report := c.Live(g.Request.Context())
		g.JSON(httpCode(report.Status), report)
	}
}

// ReadyHandler serves the readiness probe.
func (c *Checker) ReadyHandler() gin.HandlerFunc {
	return func(g *gin.Context) {
		report := c.Ready(g.Request.Context())
		g.JSON(httpCode(report.Status), report)
	}
}

func httpCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
