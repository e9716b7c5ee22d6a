package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ranking"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCountsCoreEvents(t *testing.T) {
	metrics := NewMetrics()

	metrics.Observe(events.Event{Kind: events.KindVoteAccepted, ServerID: "s1", NewTotal: 4})
	metrics.Observe(events.Event{Kind: events.KindVoteRejected, Reason: "already_voted_today"})
	metrics.Observe(events.Event{Kind: events.KindVoteRejected, Reason: "already_voted_today"})
	metrics.Observe(events.Event{Kind: events.KindResetCompleted})
	metrics.Observe(events.Event{Kind: events.KindRolesExpired, UserIDs: []string{"a", "b", "c"}})
	metrics.Observe(events.Event{
		Kind: events.KindStandingsComputed,
		Standings: []ranking.Standing{
			{Server: registry.Server{ServerID: "s2"}, Rank: 1, VoteTotal: 9},
		},
	})

	testCases := []struct {
		name string
		got  float64
		want float64
	}{
		{name: "accepted", got: testutil.ToFloat64(metrics.votesAccepted), want: 1},
		{name: "rejected", got: testutil.ToFloat64(metrics.votesRejected.WithLabelValues("already_voted_today")), want: 2},
		{name: "resets", got: testutil.ToFloat64(metrics.resets), want: 1},
		{name: "roles expired", got: testutil.ToFloat64(metrics.rolesExpired), want: 3},
		{name: "vote gauge from vote", got: testutil.ToFloat64(metrics.serverVotes.WithLabelValues("s1")), want: 4},
		{name: "vote gauge from standings", got: testutil.ToFloat64(metrics.serverVotes.WithLabelValues("s2")), want: 9},
	}
	for _, testCase := range testCases {
		if testCase.got != testCase.want {
			t.Fatalf("%s: got %v, want %v", testCase.name, testCase.got, testCase.want)
		}
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := NewMetrics()

	router := gin.New()
	router.Use(metrics.Middleware())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	for attempt := 0; attempt < 2; attempt++ {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	}
	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("/healthz", "200")); got != 2 {
		t.Fatalf("expected two recorded requests, got %v", got)
	}

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)
	if !strings.Contains(string(body), "l2hub_http_requests_total") {
		t.Fatalf("exposition missing request counter:\n%s", body)
	}
}
