package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/time/rate"
)

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL string
	// Timeout is a transport-level bound per request.
	Timeout time.Duration
	// ExecuteRPS limits ExecuteCode calls per second (0 = unlimited).
	ExecuteRPS float64
	// Token is sent as a bearer token on every request.
	Token string
}

// HTTPClient implements Backend over JSON/HTTP.
type HTTPClient struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ Backend = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(opts HTTPOptions, log zerolog.Logger) (*HTTPClient, error) {
	if _, err := url.ParseRequestURI(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	c := &HTTPClient{
		base:  strings.TrimRight(opts.BaseURL, "/"),
		token: opts.Token,
		http:  &http.Client{Timeout: opts.Timeout},
		log:   log.With().Str("component", "backend_client").Logger(),
	}
	if opts.ExecuteRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.ExecuteRPS), 1)
	}
	return c, nil
}

// envelope mirrors the backend's response shape.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Backend call")

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) LoadTest(ctx context.Context, attemptRef string) (*model.TestDefinition, error) {
	var def model.TestDefinition
	if err := c.do(ctx, http.MethodGet, "/attempts/"+url.PathEscape(attemptRef)+"/test", nil, &def); err != nil {
		return nil, err
	}
	if def.AttemptID == "" {
		def.AttemptID = attemptRef
	}
	return &def, nil
}

func (c *HTTPClient) SubmitMcqBatch(ctx context.Context, attemptID string, items []model.McqSubmission) (model.McqResult, error) {
	var res model.McqResult
	body := map[string]interface{}{"answers": items}
	err := c.do(ctx, http.MethodPost, "/attempts/"+url.PathEscape(attemptID)+"/mcq", body, &res)
	return res, err
}

func (c *HTTPClient) ExecuteCode(ctx context.Context, req model.ExecRequest) (model.ExecResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.ExecResult{}, fmt.Errorf("rate limiter: %w", err)
		}
	}
	var res model.ExecResult
	err := c.do(ctx, http.MethodPost, "/execute", req, &res)
	return res, err
}

func (c *HTTPClient) SubmitChallenge(ctx context.Context, req model.SubmitChallengeRequest) (model.ChallengeResult, error) {
	var res model.ChallengeResult
	path := "/attempts/" + url.PathEscape(req.AttemptID) + "/challenges/" + url.PathEscape(req.ChallengeID) + "/submit"
	err := c.do(ctx, http.MethodPost, path, req, &res)
	return res, err
}

func (c *HTTPClient) FlushAnalytics(ctx context.Context, attemptID string, snap model.AnalyticsSnapshot) error {
	return c.do(ctx, http.MethodPost, "/attempts/"+url.PathEscape(attemptID)+"/analytics", snap, nil)
}

func (c *HTTPClient) SubmitFinal(ctx context.Context, result model.FinalResult) error {
	return c.do(ctx, http.MethodPost, "/attempts/"+url.PathEscape(result.AttemptID)+"/final", result, nil)
}
