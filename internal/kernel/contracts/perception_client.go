package contracts

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/spoloxs/automata-kernel/internal/resilience"
)

// HTTPPerception calls an out-of-process perception service over
// HTTP/JSON. Connection pooling, context propagation and response size
// limits follow the pooled-client pattern used for outbound task
// execution elsewhere in this lineage.
type HTTPPerception struct{ httpClient }

// NewHTTPPerception builds a perception client against baseURL. A nil
// client gets a pooled default with a 30s budget per call.
func NewHTTPPerception(baseURL string, client *http.Client) *HTTPPerception {
	return &HTTPPerception{newHTTPClient("perception", baseURL, client)}
}

func (p *HTTPPerception) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, "perception.capture_screenshot")
	defer span.End()

	var out struct {
		Image []byte `json:"image"`
	}
	_, err := resilience.Retry(ctx, 3, 200*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, p.post(ctx, "/v1/screenshot", struct{}{}, &out)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("perception.screenshot_bytes", len(out.Image)))
	return out.Image, nil
}

func (p *HTTPPerception) Parse(ctx context.Context, screenshot []byte) ([]Element, error) {
	ctx, span := p.tracer.Start(ctx, "perception.parse")
	defer span.End()

	req := struct {
		Image []byte `json:"image"`
	}{Image: screenshot}
	var out struct {
		Elements []Element `json:"elements"`
	}
	if err := p.post(ctx, "/v1/parse", req, &out); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("perception.element_count", len(out.Elements)))
	return out.Elements, nil
}

func (p *HTTPPerception) QueryDOMBatch(ctx context.Context, pointsPx [][2]int) ([]*DOMDetails, error) {
	ctx, span := p.tracer.Start(ctx, "perception.query_dom_batch")
	defer span.End()

	req := struct {
		Points [][2]int `json:"points"`
	}{Points: pointsPx}
	var out struct {
		DOM []*DOMDetails `json:"dom"`
	}
	if err := p.post(ctx, "/v1/dom_batch", req, &out); err != nil {
		return nil, err
	}
	return out.DOM, nil
}

// AnalyzeVisual is slow (a vision-model call on the far side) and has
// no retry budget of its own; callers decide whether a failure here
// should fail the task or fall back to the existing element list.
func (p *HTTPPerception) AnalyzeVisual(ctx context.Context, screenshot []byte, question string) ([]Element, error) {
	ctx, span := p.tracer.Start(ctx, "perception.analyze_visual")
	defer span.End()

	req := struct {
		Image    []byte `json:"image"`
		Question string `json:"question"`
	}{Image: screenshot, Question: question}
	var out struct {
		Elements []Element `json:"elements"`
	}
	if err := p.post(ctx, "/v1/analyze_visual", req, &out); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("perception.visual_element_count", len(out.Elements)))
	return out.Elements, nil
}

// headerCarrier adapts http.Header for OpenTelemetry propagation.
type headerCarrier struct{ header http.Header }

func (hc *headerCarrier) Get(key string) string { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, value string) { hc.header.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}
