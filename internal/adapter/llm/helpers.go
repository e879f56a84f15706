package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

// maxErrorBody is the maximum error-response body we read for diagnostics.
const maxErrorBody = 4096

// doStreamRequest performs a JSON POST request for a streaming response and
// returns the open *http.Response (caller owns Body). Cancellation of ctx
// aborts the request at the transport level. Returns a domain error for
// non-success statuses and for responses with no readable body; no frames
// are read on those paths.
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		if httpResp.Body != nil {
			defer httpResp.Body.Close()
		}
		var respBody []byte
		if httpResp.Body != nil {
			respBody, _ = io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		}
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	if httpResp.Body == nil || httpResp.Body == http.NoBody {
		return nil, domain.NewDomainError("doStreamRequest", domain.ErrEmptyBody, url)
	}

	return httpResp, nil
}

// mapHTTPError maps an HTTP status code + response body to a domain error.
// The status text always travels with the error so callers can surface it.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode))
	if len(body) > 0 {
		detail = fmt.Sprintf("%s: %s", detail, string(body))
	}

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthRejected, detail)
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUpstreamStatus, detail)
	}
}

// --- Connection pooling ---

// PooledTransportConfig configures HTTP connection pooling for vendor clients.
type PooledTransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// Default pool settings for chat API usage patterns: few hosts, high
// concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// Default per-phase timeouts.
const (
	defaultConnTimeout   = 30 * time.Second
	defaultHeaderTimeout = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling for
// vendor API calls. connTimeout bounds dialing and headerTimeout bounds the
// wait for response headers; neither bounds the body read, so an open
// stream lives until EOF or cancellation.
func NewPooledTransport(connTimeout, headerTimeout time.Duration, pool PooledTransportConfig) *http.Transport {
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	if headerTimeout == 0 {
		headerTimeout = defaultHeaderTimeout
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates an *http.Client with pooled transport for a vendor.
// The client carries no overall Timeout: a whole-exchange deadline would
// sever long-lived streams mid-reply. Streams end on EOF or ctx cancellation
// only.
func NewHTTPClient(cfg config.VendorConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(cfg.ConnTimeout, cfg.HeaderTimeout, PooledTransportConfig{
			MaxIdleConns:        cfg.Pool.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:     cfg.Pool.MaxConnsPerHost,
			IdleConnTimeout:     cfg.Pool.IdleConnTimeout,
		}),
	}
}

// descriptorsFromConfig converts configured model entries into domain
// descriptors. The Vendor field is left blank; providers stamp it on query.
func descriptorsFromConfig(models []config.ModelConfig) []domain.ModelDescriptor {
	if len(models) == 0 {
		return nil
	}
	out := make([]domain.ModelDescriptor, 0, len(models))
	for _, m := range models {
		out = append(out, domain.ModelDescriptor{
			ID:              m.ID,
			Name:            m.Name,
			Family:          m.Family,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxOutputTokens,
			Vision:          m.Vision,
			ToolCalling:     m.ToolCalling,
			AgentMode:       m.AgentMode,
			Default:         m.Default,
			UserSelectable:  !m.Hidden,
		})
	}
	return out
}
