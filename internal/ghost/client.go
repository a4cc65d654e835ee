package ghost

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"
)

const adminAPIPath = "/ghost/api/admin"

type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	AcceptVersion string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	acceptVersion string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	acceptVersion := strings.TrimSpace(opts.AcceptVersion)
	if acceptVersion == "" {
		acceptVersion = "v5.0"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		acceptVersion: acceptVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

// NewClientForCredential builds a client for siteURL authenticated with an
// Admin API key in "<id>:<secret>" form.
func NewClientForCredential(siteURL, credential string, httpClient *http.Client) (*Client, error) {
	key, err := ParseAdminKey(credential)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, errors.Errorf("invalid site url %q", siteURL)
	}
	return NewClient(ClientOptions{
		BaseURL:       parsed.String(),
		TokenProvider: NewAdminTokenSource(key).Provider(),
		HTTPClient:    httpClient,
		UserAgent:     "rebrander",
	}), nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) ok() bool {
	return r.status >= 200 && r.status <= 299
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, authenticated bool) (response, error) {
	if c == nil {
		return response{}, errors.New("ghost client is nil")
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return response{}, errors.Errorf("encoding request: %w", err)
		}
	}
	var authorization string
	if authenticated {
		if c.tokenProvider == nil {
			return response{}, errors.New("ghost token provider is required")
		}
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return response{}, err
		}
		authorization = "Ghost " + strings.TrimSpace(token)
	}
	// 429 is retried for any method. Server errors and dropped connections
	// are retried only for methods that are safe to repeat.
	replayable := idempotent(method)
	requestURL := c.baseURL + adminAPIPath + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return response{}, errors.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Version", c.acceptVersion)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if replayable && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return response{}, waitErr
				}
				continue
			}
			return response{}, errors.Errorf("%s %s: %w", method, path, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return response{}, errors.Errorf("reading response: %w", readErr)
		}

		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, replayable) {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return response{}, waitErr
			}
			continue
		}
		return response{status: resp.StatusCode, header: resp.Header, body: payload}, nil
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func shouldRetry(status int, replayable bool) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return replayable && status >= 500 && status <= 599
}

type apiError struct {
	Message string `json:"message"`
	Context string `json:"context"`
	Type    string `json:"type"`
}

type errorsResponse struct {
	Errors []apiError `json:"errors"`
}

func remoteErrorFrom(resp response) *RemoteError {
	out := &RemoteError{StatusCode: resp.status}
	var parsed errorsResponse
	if json.Unmarshal(resp.body, &parsed) == nil && len(parsed.Errors) > 0 {
		first := parsed.Errors[0]
		out.Type = first.Type
		out.Message = first.Message
		if first.Context != "" {
			out.Message = strings.TrimSpace(first.Message + " " + first.Context)
		}
		return out
	}
	message := strings.TrimSpace(string(resp.body))
	if len(message) > 200 {
		message = message[:200]
	}
	if message == "" {
		message = http.StatusText(resp.status)
	}
	out.Message = message
	return out
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// kindError tags a cause with one of the package sentinels while keeping the
// cause's message.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

func withKind(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}
