package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

const (
	defaultUserAgent = "versecache"
	defaultTimeout   = 60 * time.Second

	// maxResponseSize bounds both JSON responses and audio downloads.
	maxResponseSize = 64 << 20
)

// HTTPConfig holds configuration for the HTTP generator.
type HTTPConfig struct {
	// Endpoint receives a JSON POST per request.
	Endpoint string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// UserAgent defaults to "versecache".
	UserAgent string

	// Timeout per HTTP request, defaults to 60s.
	Timeout time.Duration

	// RequestsPerMinute limits generate calls. Zero means unlimited.
	RequestsPerMinute int

	Logger *log.Logger
}

// HTTPClient is a Generator and Fetcher backed by a JSON HTTP API.
type HTTPClient struct {
	endpoint   string
	origin     *url.URL
	apiKey     string
	userAgent  string
	httpClient *http.Client

	// Rate limiting for generate calls
	rateLimiter *rate.Limiter

	log *log.Logger
}

// generateBody is the wire form of a Request.
type generateBody struct {
	Text    string `json:"text"`
	Voice   string `json:"voice"`
	Kind    string `json:"kind"`
	Book    string `json:"book"`
	Chapter int    `json:"chapter"`
	Verse   *int   `json:"verse,omitempty"`
	Depth   string `json:"depth,omitempty"`
}

// NewHTTPClient creates an HTTP generator.
func NewHTTPClient(config HTTPConfig) (*HTTPClient, error) {
	u, err := url.Parse(config.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid synthesis endpoint %q", config.Endpoint)
	}

	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	limit := rate.Inf
	if config.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(config.RequestsPerMinute))
	}

	return &HTTPClient{
		endpoint:    u.String(),
		origin:      &url.URL{Scheme: u.Scheme, Host: u.Host},
		apiKey:      config.APIKey,
		userAgent:   config.UserAgent,
		httpClient:  &http.Client{Timeout: config.Timeout},
		rateLimiter: rate.NewLimiter(limit, 1),
		log:         config.Logger.WithPrefix("synth"),
	}, nil
}

// Generate implements Generator.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Text == "" {
		return nil, errors.New("text cannot be empty")
	}

	// Rate limit before touching the network
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	body, err := json.Marshal(generateBody{
		Text:    req.Text,
		Voice:   req.Voice,
		Kind:    req.Identity.Kind.String(),
		Book:    req.Identity.Book,
		Chapter: req.Identity.Chapter,
		Verse:   req.Identity.Verse,
		Depth:   req.Identity.Depth,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	c.setHeaders(httpReq, true)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid generation response: %w", err)
	}

	c.log.Debug("Generated", "identity", req.Identity, "took", time.Since(start), "inline", out.AudioContent != "")
	return &out, nil
}

// Fetch implements Fetcher.
func (c *HTTPClient) Fetch(ctx context.Context, audioURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, err
	}
	// Audio URLs may point at a CDN; only the service itself gets the key.
	c.setHeaders(httpReq, c.sameOrigin(httpReq.URL))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("audio exceeds %d bytes", maxResponseSize)
	}
	return data, nil
}

func (c *HTTPClient) setHeaders(req *http.Request, withKey bool) {
	req.Header.Set("User-Agent", c.userAgent)
	if withKey && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *HTTPClient) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(snippet) > 0 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
}

var (
	_ Generator = (*HTTPClient)(nil)
	_ Fetcher   = (*HTTPClient)(nil)
)
