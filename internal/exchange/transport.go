package exchange

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/outpost-sys/outpost/internal/config"
	"github.com/outpost-sys/outpost/internal/otel"
	"github.com/outpost-sys/outpost/internal/shared"
)

const userAgent = "outpost/" + otel.Version

// TransportError reports a failed exchange attempt. Code is the HTTP status
// when the server answered at all, zero on connection-level failures. Every
// TransportError is retryable via backoff.
type TransportError struct {
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange rejected with status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exchange failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport posts exchange payloads to the server over HTTPS with gzip
// compression both ways.
type Transport struct {
	url    string
	client *http.Client
}

// NewTransport builds the HTTP transport from the server settings.
func NewTransport(cfg config.ServerConfig) (*Transport, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	exchangeTimeout := cfg.ExchangeTimeout
	if exchangeTimeout <= 0 {
		exchangeTimeout = 2 * time.Minute
	}

	return &Transport{
		url: cfg.URL,
		client: &http.Client{
			Timeout: exchangeTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				TLSClientConfig:     tlsCfg,
				TLSHandshakeTimeout: connectTimeout,
				// One serialized exchange at a time; no pool needed.
				MaxIdleConns:    1,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}, nil
}

// URL returns the exchange endpoint.
func (t *Transport) URL() string { return t.url }

// SetURL changes the exchange endpoint (config reload).
func (t *Transport) SetURL(url string) { t.url = url }

// Exchange posts one payload and returns the decoded server response.
func (t *Transport) Exchange(ctx context.Context, payload *Payload, computerID, token string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, &compressed)
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Message-API", payload.ClientAPI)
	if computerID != "" {
		req.Header.Set("X-Computer-ID", computerID)
	}
	if token != "" {
		req.Header.Set("X-Exchange-Token", token)
	}
	if traceID := shared.TraceID(ctx); traceID != "-" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransportError{
			Code: resp.StatusCode,
			Err:  fmt.Errorf("%s", bytes.TrimSpace(snippet)),
		}
	}

	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &TransportError{Code: resp.StatusCode, Err: fmt.Errorf("bad gzip response: %w", err)}
		}
		defer zr.Close()
		reader = zr
	}

	var out Response
	if err := json.NewDecoder(reader).Decode(&out); err != nil {
		return nil, &TransportError{Code: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return &out, nil
}
