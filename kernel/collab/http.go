package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPClient invokes collaborators over HTTP. It implements all five
// collaborator interfaces by POSTing a JSON request to a fixed path on the
// configured base URL:
//
//	POST {base}/run      -> TestExecutionResult
//	POST {base}/analyze  -> DetectionResult
//	POST {base}/verify   -> VerificationReport
//	POST {base}/attempt  -> FixResult
//	POST {base}/extract  -> LearningResult
//
// A non-2xx status is returned as an error carrying the response body, which
// the stage executor treats as a stage failure. Timeouts are enforced by the
// caller's context, not by the client itself.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient creates a collaborator client for the given base URL.
// If client is nil, http.DefaultClient is used.
func NewHTTPClient(base string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{base: base, client: client}
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("collaborator request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read collaborator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collaborator returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode collaborator response: %w", err)
	}
	return nil
}

func (c *HTTPClient) Run(ctx context.Context, def TestDefinition) (*TestExecutionResult, error) {
	var out TestExecutionResult
	if err := c.post(ctx, "/run", def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Analyze(ctx context.Context, evidence Evidence, def TestDefinition) (*DetectionResult, error) {
	in := struct {
		Evidence Evidence       `json:"evidence"`
		Test     TestDefinition `json:"test"`
	}{evidence, def}
	var out DetectionResult
	if err := c.post(ctx, "/analyze", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Verify(ctx context.Context, evidence Evidence, detection *DetectionResult) (*VerificationReport, error) {
	in := struct {
		Evidence  Evidence         `json:"evidence"`
		Detection *DetectionResult `json:"detection,omitempty"`
	}{evidence, detection}
	var out VerificationReport
	if err := c.post(ctx, "/verify", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Attempt(ctx context.Context, verification *VerificationReport, evidence Evidence) (*FixResult, error) {
	in := struct {
		Verification *VerificationReport `json:"verification,omitempty"`
		Evidence     Evidence            `json:"evidence"`
	}{verification, evidence}
	var out FixResult
	if err := c.post(ctx, "/attempt", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Extract(ctx context.Context, lc LearningContext) (*LearningResult, error) {
	var out LearningResult
	if err := c.post(ctx, "/extract", lc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
