package contracts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPPerceptionParseRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/parse", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"elements": []Element{{ID: 1, Type: "button"}},
		})
	}))
	defer srv.Close()

	p := NewHTTPPerception(srv.URL, nil)
	defer p.Close()
	elems, err := p.Parse(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.Len(t, elems, 1)
	require.Equal(t, 1, elems[0].ID)
}

func TestHTTPPerceptionCaptureScreenshotRetriesOnServerError(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"image": []byte("abc")})
	}))
	defer srv.Close()

	p := NewHTTPPerception(srv.URL, nil)
	defer p.Close()
	img, err := p.CaptureScreenshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), img)
	require.GreaterOrEqual(t, atomic.LoadInt64(&attempts), int64(2))
}

func TestHTTPBrowserNavigateSendsURL(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URL string `json:"url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotURL = body.URL
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewHTTPBrowser(srv.URL, nil)
	defer b.Close()
	require.NoError(t, b.Navigate(context.Background(), "https://example.com"))
	require.Equal(t, "https://example.com", gotURL)
}

func TestHTTPPlannerPlanRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Plan{
			Steps:      []PlanStep{{Number: 1, Description: "open site"}},
			Complexity: "simple",
		})
	}))
	defer srv.Close()

	planner := NewHTTPPlanner(srv.URL, nil)
	defer planner.Close()
	plan, err := planner.Plan(context.Background(), "book a flight", "https://example.com")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	require.Equal(t, "simple", plan.Complexity)
}

func TestHTTPSupervisorLLMDecideRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SupervisorDecision{Kind: DecisionSkip, TaskID: "t1"})
	}))
	defer srv.Close()

	sup := NewHTTPSupervisorLLM(srv.URL, nil)
	defer sup.Close()
	decision, err := sup.Decide(context.Background(), SupervisorRequest{FailedTaskID: "t1"})
	require.NoError(t, err)
	require.Equal(t, DecisionSkip, decision.Kind)
}

func TestHTTPClientOpensCircuitAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDecisionLLM(srv.URL, nil)
	defer d.Close()
	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = d.ActiveSessions(context.Background())
	}
	require.Error(t, lastErr)
	require.ErrorContains(t, lastErr, "circuit open")
}

func TestHTTPClientRateLimiterSmoothsBurstTraffic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDecisionLLM(srv.URL, nil)
	defer d.Close()
	for i := 0; i < 5; i++ {
		_, err := d.ActiveSessions(context.Background())
		require.NoError(t, err, "burst within capacity must not be denied")
	}
}
