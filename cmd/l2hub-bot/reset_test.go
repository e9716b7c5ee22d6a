package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/l2hub/internal/access"
	"github.com/MarcoPoloResearchLab/l2hub/internal/hub"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ledger"
	"github.com/MarcoPoloResearchLab/l2hub/internal/schedule"
)

func TestRequestRemoteReset(t *testing.T) {
	testCases := []struct {
		name        string
		force       bool
		status      int
		response    string
		wantOutcome ledger.ResetOutcome
		wantErr     string
	}{
		{name: "forced", force: true, status: http.StatusOK, response: `{"applied":true,"day":"2024-06-01","epoch":2}`, wantOutcome: ledger.ResetOutcome{Applied: true, Day: "2024-06-01", Epoch: 2}},
		{name: "already applied", status: http.StatusOK, response: `{"applied":false,"day":"2024-06-01","epoch":1}`, wantOutcome: ledger.ResetOutcome{Day: "2024-06-01", Epoch: 1}},
		{name: "forbidden", status: http.StatusForbidden, response: `{"error":"not_privileged"}`, wantErr: "not_privileged"},
		{name: "not json", status: http.StatusBadGateway, response: `<html>`, wantErr: "status 502"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			var gotForce bool
			var gotAuthorization, gotPath string
			remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuthorization = r.Header.Get("Authorization")
				var body struct {
					Force bool `json:"force"`
				}
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Errorf("invalid request body: %v", err)
				}
				gotForce = body.Force
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.response))
			}))
			defer remote.Close()

			outcome, err := requestRemoteReset(context.Background(), remote.Client(), remote.URL+"/", "token-1", testCase.force)
			if gotPath != "/admin/reset" || gotAuthorization != "Bearer token-1" || gotForce != testCase.force {
				t.Fatalf("unexpected request path=%q authorization=%q force=%v", gotPath, gotAuthorization, gotForce)
			}
			if testCase.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
					t.Fatalf("expected error containing %q, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("reset failed: %v", err)
			}
			if outcome != testCase.wantOutcome {
				t.Fatalf("expected %+v, got %+v", testCase.wantOutcome, outcome)
			}
		})
	}
}

func TestPrintStatus(t *testing.T) {
	audit := hub.Audit{
		Tallies:       []ledger.Tally{{ServerID: "server-1", Total: 3, ByDay: map[ledger.Day]int64{"2024-06-01": 2, "2024-06-02": 1}}},
		Discrepancies: []ledger.Discrepancy{{ServerID: "server-1", Cached: 4, Counted: 3}},
	}
	cursors := []schedule.Cursor{{Action: "monthly_reset", LastFiredDay: "2024-06-01"}}
	holders := []access.Grant{{UserID: "u1", ServerID: "server-1"}, {UserID: "u2", ServerID: "server-1"}}

	var out bytes.Buffer
	if err := printStatus(&out, audit, cursors, holders); err != nil {
		t.Fatalf("print failed: %v", err)
	}
	for _, want := range []string{"server-1  3      2", "CACHED", "monthly_reset  2024-06-01", "voter grants: 2"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out.String())
		}
	}
}
