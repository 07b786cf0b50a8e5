// Package agents provides configurable agents backed by external HTTP APIs.
package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chainreport/internal/infra/cache"
	"chainreport/internal/shared/config"
	errs "chainreport/internal/shared/errors"
	jsonx "chainreport/internal/shared/json"
	"chainreport/internal/shared/logging"

	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// ErrRateLimited is returned when the shared rate limiter denies a request.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter is the admission check agents consult before calling out.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, service string, count int) bool
}

// Option customizes an HTTPAgent.
type Option func(*HTTPAgent)

func WithHTTPClient(client *http.Client) Option {
	return func(a *HTTPAgent) {
		if client != nil {
			a.client = client
		}
	}
}

func WithRateLimiter(limiter RateLimiter) Option {
	return func(a *HTTPAgent) { a.limiter = limiter }
}

// WithCache enables response caching. The agent config must also set cache.
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(a *HTTPAgent) {
		a.cache = c
		a.cacheTTL = ttl
	}
}

func WithRetryPolicy(policy errs.RetryPolicy) Option {
	return func(a *HTTPAgent) { a.retry = policy }
}

func WithLogger(logger logging.Logger) Option {
	return func(a *HTTPAgent) { a.logger = logging.OrNop(logger) }
}

// HTTPAgent fetches a JSON document for a token. A call goes through the
// response cache, then the retry policy. Each attempt is admitted by the
// shared rate limiter and client-side pacing before the HTTP request, so
// cache hits spend no rate budget and retries spend one unit each.
type HTTPAgent struct {
	cfg      config.AgentConfig
	client   *http.Client
	limiter  RateLimiter
	pacer    *rate.Limiter
	cache    *cache.Cache
	cacheTTL time.Duration
	retry    errs.RetryPolicy
	logger   logging.Logger
}

// NewHTTPAgent builds an agent from its configuration.
func NewHTTPAgent(cfg config.AgentConfig, opts ...Option) *HTTPAgent {
	if cfg.Service == "" {
		cfg.Service = cfg.Name
	}
	a := &HTTPAgent{
		cfg:    cfg,
		client: http.DefaultClient,
		retry:  errs.DefaultRetryPolicy(),
		logger: logging.NewComponentLogger("HTTPAgent"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		a.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.retry.Logger == nil {
		a.retry.Logger = a.logger
	}
	return a
}

// RetryPolicyFromConfig converts retry settings into a policy.
func RetryPolicyFromConfig(cfg config.RetryConfig, logger logging.Logger) errs.RetryPolicy {
	return errs.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		MinDelay:   cfg.MinDelay,
		MaxDelay:   cfg.MaxDelay,
		Multiplier: cfg.Multiplier,
		Logger:     logger,
	}
}

func (a *HTTPAgent) Name() string { return a.cfg.Name }

// Run satisfies orchestrator.Agent.
func (a *HTTPAgent) Run(ctx context.Context, reportID, tokenID string) (map[string]any, error) {
	target, params := a.resolve(reportID, tokenID)

	fetch := func(ctx context.Context) (response, error) {
		return errs.Execute(ctx, a.retry, func(ctx context.Context) (response, error) {
			if err := a.admit(ctx); err != nil {
				return response{}, err
			}
			return a.do(ctx, target)
		})
	}

	var (
		resp response
		err  error
	)
	if a.cfg.Cache && a.cache != nil {
		resp, err = cache.Call(ctx, a.cache, cache.Key(target, params), a.cacheTTL, responseCodec, fetch)
	} else {
		resp, err = fetch(ctx)
	}
	if err != nil {
		if errs.IsRateLimited(err) {
			a.logger.Warn("%s: upstream %s kept answering 429, check its rate limit rule", a.cfg.Name, a.cfg.Service)
		}
		return nil, fmt.Errorf("%s: %w", a.cfg.Name, err)
	}

	payload, err := decodePayload(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", a.cfg.Name, err)
	}
	if a.cfg.ResultKey != "" {
		return map[string]any{a.cfg.ResultKey: payload}, nil
	}
	return payload, nil
}

// admit spends one unit of the shared budget and waits for client-side
// pacing. It runs before every HTTP attempt, retries included. A denial is
// permanent: the window will not reopen within the retry backoff.
func (a *HTTPAgent) admit(ctx context.Context) error {
	if a.limiter != nil && !a.limiter.CheckAndConsume(ctx, a.cfg.Service, 1) {
		return errs.NewPermanentError(ErrRateLimited, fmt.Sprintf("%s for service %s", ErrRateLimited, a.cfg.Service))
	}
	if a.pacer != nil {
		if err := a.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *HTTPAgent) resolve(reportID, tokenID string) (string, map[string]any) {
	replacer := strings.NewReplacer(
		"{token_id}", url.PathEscape(tokenID),
		"{report_id}", url.PathEscape(reportID),
	)
	target := replacer.Replace(a.cfg.URL)
	params := make(map[string]any, len(a.cfg.Params))
	if len(a.cfg.Params) == 0 {
		return target, params
	}

	query := url.Values{}
	for k, v := range a.cfg.Params {
		v = strings.NewReplacer("{token_id}", tokenID, "{report_id}", reportID).Replace(v)
		query.Set(k, v)
		params[k] = v
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + query.Encode(), params
}

func (a *HTTPAgent) do(ctx context.Context, target string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return response{}, errs.NewPermanentError(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return response{}, &errs.HTTPStatusError{StatusCode: resp.StatusCode, URL: target, Body: string(body)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, errs.NewTransientError(err, fmt.Sprintf("read response body: %v", err))
	}
	return response{StatusCode: resp.StatusCode, Body: body}, nil
}

// response is the cacheable part of an HTTP response.
type response struct {
	StatusCode int
	Body       []byte
}

// responseCodec stores "<status>\n<body>" so cached bodies are kept
// byte-for-byte.
var responseCodec = cache.Codec[response]{
	Encode: func(r response) ([]byte, error) {
		var buf bytes.Buffer
		buf.WriteString(strconv.Itoa(r.StatusCode))
		buf.WriteByte('\n')
		buf.Write(r.Body)
		return buf.Bytes(), nil
	},
	Decode: func(data []byte) (response, error) {
		head, body, ok := bytes.Cut(data, []byte{'\n'})
		if !ok {
			return response{}, fmt.Errorf("malformed cached response")
		}
		status, err := strconv.Atoi(string(head))
		if err != nil {
			return response{}, fmt.Errorf("malformed cached status: %w", err)
		}
		return response{StatusCode: status, Body: body}, nil
	},
}

// decodePayload decodes a JSON body. Non-object documents are wrapped under
// "data".
func decodePayload(body []byte) (map[string]any, error) {
	var v any
	if err := jsonx.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"data": v}, nil
}
