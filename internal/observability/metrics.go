// Package observability exposes Prometheus metrics for the HTTP API and the vote core.
package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "l2hub"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry          *prometheus.Registry
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	votesAccepted     prometheus.Counter
	votesRejected     *prometheus.CounterVec
	resets            prometheus.Counter
	serversAdded      prometheus.Counter
	rolesExpired      prometheus.Counter
	serverVotes       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		votesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_accepted_total",
			Help:      "Total votes committed to the ledger.",
		}),
		votesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_rejected_total",
			Help:      "Total votes refused, by reason.",
		}, []string{"reason"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Total applied vote resets.",
		}),
		serversAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "servers_added_total",
			Help:      "Total servers registered.",
		}),
		rolesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voter_roles_expired_total",
			Help:      "Total voter grants removed by the daily expiry.",
		}),
		serverVotes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_votes",
			Help:      "Current vote total per server.",
		}, []string{"server_id"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpDuration,
		m.votesAccepted,
		m.votesRejected,
		m.resets,
		m.serversAdded,
		m.rolesExpired,
		m.serverVotes,
	)
	return m
}

// Middleware records request counts and durations keyed by the matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe folds one core event into the metrics.
func (m *Metrics) Observe(event events.Event) {
	switch event.Kind {
	case events.KindVoteAccepted:
		m.votesAccepted.Inc()
		m.serverVotes.WithLabelValues(event.ServerID).Set(float64(event.NewTotal))
	case events.KindVoteRejected:
		m.votesRejected.WithLabelValues(event.Reason).Inc()
	case events.KindResetCompleted:
		m.resets.Inc()
	case events.KindServerAdded:
		m.serversAdded.Inc()
	case events.KindRolesExpired:
		m.rolesExpired.Add(float64(len(event.UserIDs)))
	case events.KindStandingsComputed:
		for _, standing := range event.Standings {
			m.serverVotes.WithLabelValues(standing.Server.ServerID).Set(float64(standing.VoteTotal))
		}
	}
}

// Run observes the stream until the context ends or the stream closes.
func (m *Metrics) Run(ctx context.Context, stream <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			m.Observe(event)
		}
	}
}
