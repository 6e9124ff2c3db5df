package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ygncode/alldebrid-broker/internal/models"
)

// metricsRegistry holds the Prometheus collectors for /metrics/prom,
// wired the way poiley-nebularr-operator registers a handful of
// GaugeVec/CounterVec collectors against its own registry and serves them
// with promhttp.HandlerFor on that registry rather than the default global
// one.
type metricsRegistry struct {
	registry    *prometheus.Registry
	jobsByState *prometheus.GaugeVec
	handler     http.Handler
}

func newMetricsRegistry() *metricsRegistry {
	reg := prometheus.NewRegistry()
	jobsByState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alldebrid_broker_jobs",
		Help: "Number of jobs currently in each state.",
	}, []string{"state"})
	reg.MustRegister(jobsByState)
	return &metricsRegistry{
		registry:    reg,
		jobsByState: jobsByState,
		handler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

func (m *metricsRegistry) update(jobs []*models.Job) {
	counts := map[models.JobState]int{}
	for _, j := range jobs {
		counts[j.Snapshot().State]++
	}
	for _, state := range []models.JobState{
		models.StateQueued, models.StateDebridPending, models.StateDebridReady,
		models.StateDownloading, models.StatePaused, models.StateCompleted, models.StateError,
	} {
		m.jobsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// handleMetricsJSON returns the §8 counters as JSON, per spec.md §6:
// "GET /metrics returns the counters listed in §8 as JSON."
func (s *Server) handleMetricsJSON(c *gin.Context) {
	jobs := s.mgr.List()
	counts := map[string]int{}
	for _, j := range jobs {
		counts[string(j.Snapshot().State)]++
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs_by_state":  counts,
		"jobs_total":     len(jobs),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleMetricsProm is the [EXPANSION] Prometheus text-format endpoint.
func (s *Server) handleMetricsProm(c *gin.Context) {
	s.metrics.update(s.mgr.List())
	s.metrics.handler.ServeHTTP(c.Writer, c.Request)
}
