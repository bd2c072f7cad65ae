package contracts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spoloxs/automata-kernel/internal/resilience"
)

// httpClient is the shared transport every out-of-process collaborator
// client embeds: pooled connections, request pacing, circuit breaking,
// and OTel context propagation, following the same pattern as
// HTTPPerception. Pacing (HybridRateLimiter) and failure isolation
// (CircuitBreaker) are separate concerns: pacing smooths outbound load
// regardless of success/failure, the breaker reacts to observed
// failures.
type httpClient struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
	breaker *resilience.CircuitBreaker
	limiter *resilience.HybridRateLimiter
	name    string
}

func newHTTPClient(name, baseURL string, client *http.Client) httpClient {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return httpClient{
		client:  client,
		baseURL: baseURL,
		tracer:  otel.Tracer("kernel-" + name),
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
		limiter: resilience.NewHybridRateLimiter(20, 10, 50, 20*time.Millisecond),
		name:    name,
	}
}

// Close stops the client's background rate-limiter goroutines. Call
// when the client is no longer needed (long-lived CLI processes may
// skip this and let it live for the process lifetime).
func (c *httpClient) Close() { c.limiter.Stop() }

func (c *httpClient) post(ctx context.Context, path string, in, out interface{}) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%s: circuit open for %s", c.name, path)
	}
	if err := c.limiter.AllowOrWait(ctx); err != nil {
		return fmt.Errorf("%s: rate limited for %s: %w", c.name, path, err)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordResult(false)
		return fmt.Errorf("%s: request %s: %w", c.name, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		c.breaker.RecordResult(false)
		return fmt.Errorf("%s: read response: %w", c.name, err)
	}
	if resp.StatusCode >= 400 {
		c.breaker.RecordResult(false)
		return fmt.Errorf("%s: %s returned %d: %s", c.name, path, resp.StatusCode, string(respBody))
	}
	c.breaker.RecordResult(true)
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", c.name, err)
		}
	}
	return nil
}

// HTTPBrowser drives a remote browser-automation session over
// HTTP/JSON (CDP or similar sits behind the service boundary; the
// kernel never speaks the wire protocol directly).
type HTTPBrowser struct{ httpClient }

func NewHTTPBrowser(baseURL string, client *http.Client) *HTTPBrowser {
	return &HTTPBrowser{newHTTPClient("browser", baseURL, client)}
}

func (b *HTTPBrowser) Navigate(ctx context.Context, url string) error {
	return b.post(ctx, "/v1/navigate", struct {
		URL string `json:"url"`
	}{url}, nil)
}

func (b *HTTPBrowser) Click(ctx context.Context, xPx, yPx int) error {
	return b.post(ctx, "/v1/click", struct {
		X, Y int
	}{xPx, yPx}, nil)
}

func (b *HTTPBrowser) TypeText(ctx context.Context, text string) error {
	return b.post(ctx, "/v1/type", struct {
		Text string `json:"text"`
	}{text}, nil)
}

func (b *HTTPBrowser) PressKey(ctx context.Context, name string) error {
	return b.post(ctx, "/v1/press_key", struct {
		Key string `json:"key"`
	}{name}, nil)
}

func (b *HTTPBrowser) Scroll(ctx context.Context, dxPx, dyPx int) error {
	return b.post(ctx, "/v1/scroll", struct {
		DX, DY int
	}{dxPx, dyPx}, nil)
}

func (b *HTTPBrowser) Wait(ctx context.Context, d float64) error {
	return b.post(ctx, "/v1/wait", struct {
		Seconds float64 `json:"seconds"`
	}{d}, nil)
}

func (b *HTTPBrowser) GetURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := b.post(ctx, "/v1/current_url", struct{}{}, &out)
	return out.URL, err
}

func (b *HTTPBrowser) Evaluate(ctx context.Context, js string) (interface{}, error) {
	var out struct {
		Result interface{} `json:"result"`
	}
	err := b.post(ctx, "/v1/evaluate", struct {
		JS string `json:"js"`
	}{js}, &out)
	return out.Result, err
}

func (b *HTTPBrowser) Cleanup(ctx context.Context) error {
	return b.post(ctx, "/v1/cleanup", struct{}{}, nil)
}

// HTTPDecisionLLM calls an out-of-process decision/verification model
// server, one conversation per thread_id.
type HTTPDecisionLLM struct{ httpClient }

func NewHTTPDecisionLLM(baseURL string, client *http.Client) *HTTPDecisionLLM {
	return &HTTPDecisionLLM{newHTTPClient("decision-llm", baseURL, client)}
}

func (d *HTTPDecisionLLM) Decide(ctx context.Context, threadID, taskDescription string, obs Observation, storedData map[string]interface{}) (Decision, error) {
	ctx, span := d.tracer.Start(ctx, "decision_llm.decide", trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	req := struct {
		ThreadID        string                 `json:"thread_id"`
		TaskDescription string                 `json:"task_description"`
		Observation     Observation            `json:"observation"`
		StoredData      map[string]interface{} `json:"stored_data,omitempty"`
	}{threadID, taskDescription, obs, storedData}
	var out Decision
	err := d.post(ctx, "/v1/decide", req, &out)
	return out, err
}

func (d *HTTPDecisionLLM) Verify(ctx context.Context, threadID string, req VerificationRequest) (VerificationOutcome, error) {
	ctx, span := d.tracer.Start(ctx, "decision_llm.verify", trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	body := struct {
		ThreadID string `json:"thread_id"`
		VerificationRequest
	}{threadID, req}
	var out VerificationOutcome
	err := d.post(ctx, "/v1/verify", body, &out)
	return out, err
}

func (d *HTTPDecisionLLM) ClearContext(ctx context.Context, threadID string) error {
	return d.post(ctx, "/v1/clear_context", struct {
		ThreadID string `json:"thread_id"`
	}{threadID}, nil)
}

func (d *HTTPDecisionLLM) ActiveSessions(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := d.post(ctx, "/v1/active_sessions", struct{}{}, &out)
	return out.Count, err
}

// HTTPPlanner calls an out-of-process planning model to turn a goal
// into a structured Plan.
type HTTPPlanner struct{ httpClient }

func NewHTTPPlanner(baseURL string, client *http.Client) *HTTPPlanner {
	return &HTTPPlanner{newHTTPClient("planner", baseURL, client)}
}

func (p *HTTPPlanner) Plan(ctx context.Context, goal, startingURL string) (Plan, error) {
	ctx, span := p.tracer.Start(ctx, "planner.plan", trace.WithAttributes(attribute.String("goal", goal)))
	defer span.End()

	req := struct {
		Goal        string `json:"goal"`
		StartingURL string `json:"starting_url"`
	}{goal, startingURL}
	var out Plan
	err := p.post(ctx, "/v1/plan", req, &out)
	return out, err
}

// HTTPSupervisorLLM calls an out-of-process recovery-decision model.
type HTTPSupervisorLLM struct{ httpClient }

func NewHTTPSupervisorLLM(baseURL string, client *http.Client) *HTTPSupervisorLLM {
	return &HTTPSupervisorLLM{newHTTPClient("supervisor-llm", baseURL, client)}
}

func (s *HTTPSupervisorLLM) Decide(ctx context.Context, req SupervisorRequest) (SupervisorDecision, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor_llm.decide", trace.WithAttributes(attribute.String("failed_task_id", req.FailedTaskID)))
	defer span.End()

	var out SupervisorDecision
	err := s.post(ctx, "/v1/supervise", req, &out)
	return out, err
}
