// Package api is the HTTP transport for the Loco REST service. Every endpoint
// answers with an Envelope; methods on Client unwrap its data field and map
// failures onto the error taxonomy in errors.go.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/loco-client-go/internal/logctx"
	"github.com/google/uuid"
)

const (
	// DefaultTimeout bounds a single request when no http.Client is supplied.
	DefaultTimeout = 10 * time.Second

	requestIDHeader = "X-Request-Id"
	maxBodyBytes    = 4 << 20
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option configures a Client.
type Option func(*newConfig)

type newConfig struct {
	httpClient *http.Client
	jar        http.CookieJar
	timeout    time.Duration
	logger     *slog.Logger
}

// WithHTTPClient supplies the underlying http.Client. Its Jar is replaced
// when WithCookieJar is also given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *newConfig) { c.httpClient = hc }
}

// WithCookieJar sets the jar that carries the session credential. Without a
// jar the client sends no cookies.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *newConfig) { c.jar = jar }
}

// WithTimeout sets the per-request timeout. Defaults to DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.timeout = d }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// Client talks to the Loco REST service. It is safe for concurrent use.
type Client struct {
	base *url.URL
	hc   *http.Client
	log  *slog.Logger
}

// New constructs a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("api: base url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: unsupported base url scheme %q", u.Scheme)
	}

	cfg := &newConfig{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(cfg)
	}

	var hc http.Client
	if cfg.httpClient != nil {
		hc = *cfg.httpClient
	} else {
		hc.Timeout = cfg.timeout
	}
	if cfg.jar != nil {
		hc.Jar = cfg.jar
	}

	return &Client{
		base: u,
		hc:   &hc,
		log:  logctx.Wrap(cfg.logger),
	}, nil
}

// BaseURL returns the service origin the client was built for.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// call issues one request and decodes the envelope's data into out (which
// may be nil when the caller does not need the payload).
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", jsonMediaType.String())
	req.Header.Set(requestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", jsonMediaType.String())
	}

	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID: requestID,
		Method:    method,
		Path:      path,
	})

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.log.WarnContext(ctx, "http.request.fail", slog.String("err", err.Error()))
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return fmt.Errorf("%w: %s %s: read body: %v", ErrTransport, method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, Status: resp.StatusCode}
		var env rawEnvelope
		if isJSON(resp) && json.Unmarshal(raw, &env) == nil {
			se.Message = env.Message
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			c.log.InfoContext(ctx, "http.unauthorized", slog.Int("status", resp.StatusCode))
		case http.StatusForbidden:
			c.log.InfoContext(ctx, "http.forbidden", slog.Int("status", resp.StatusCode))
		default:
			c.log.WarnContext(ctx, "http.status.fail", slog.Int("status", resp.StatusCode), slog.String("message", se.Message))
		}
		return se
	}

	c.log.DebugContext(ctx, "http.ok", slog.Int("status", resp.StatusCode), slog.Duration("dur", time.Since(start)))

	if !isJSON(resp) {
		return fmt.Errorf("%w: %s %s: content-type %q", ErrMalformedResponse, method, path, resp.Header.Get("Content-Type"))
	}
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, err)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return fmt.Errorf("%w: %s %s: missing data", ErrMalformedResponse, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %s %s: decode data: %v", ErrMalformedResponse, method, path, err)
	}
	return nil
}

// notify issues a request whose response body is only logged.
func (c *Client) notify(ctx context.Context, method, path string) error {
	err := c.call(ctx, method, path, nil, nil, nil)
	if errors.Is(err, ErrMalformedResponse) {
		// Acknowledgement endpoints may reply without an envelope.
		return nil
	}
	return err
}

func isJSON(resp *http.Response) bool {
	if strings.TrimSpace(resp.Header.Get("Content-Type")) == "" {
		return false
	}
	mt, err := contenttype.GetMediaType(&http.Request{Header: resp.Header})
	return err == nil && mt.Matches(jsonMediaType)
}

func idQuery(name string, id int64) url.Values {
	return url.Values{name: []string{formatID(id)}}
}
