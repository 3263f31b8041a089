// Package remote provides a dispatch.Backend that forwards envelopes to an
// external execution service over authenticated HTTP.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hrygo/txndispatch/dispatch"
)

// transactionRequest is the wire shape posted to the remote execution
// service for one envelope.
type transactionRequest struct {
	FamilyName    string `json:"family_name"`
	FamilyVersion string `json:"family_version"`
	Signature     string `json:"signature"`
	ContextID     string `json:"context_id"`
}

// transactionResponse is the wire shape the remote service replies with.
type transactionResponse struct {
	Outcome       string `json:"outcome"` // "valid" or "invalid"
	TransactionID string `json:"transaction_id"`
	ErrorMessage  string `json:"error_message"`
	ErrorData     []byte `json:"error_data"`
}

// Backend posts each accepted envelope to baseURL as an HTTP request on a
// background goroutine, so Send itself never blocks on network I/O.
type Backend struct {
	key     dispatch.RoutingKey
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration

	closed chan struct{}
}

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithTimeout bounds how long Backend waits for the remote service's
// response to a single envelope. Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) { b.timeout = d }
}

// WithHTTPClient overrides the backend's *http.Client entirely, bypassing
// New's default oauth2/HTTP2 transport construction. Mainly useful in
// tests, to point the backend at an httptest.Server.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) { b.client = client }
}

// New creates a Backend that claims key and forwards accepted envelopes to
// baseURL, authenticating with an OAuth2 client-credentials token acquired
// via cfg and transported over HTTP/2.
func New(key dispatch.RoutingKey, baseURL string, cfg clientcredentials.Config, logger *slog.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		key:     key,
		baseURL: baseURL,
		logger:  logger,
		timeout: 30 * time.Second,
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		// oauth2's client-credentials transport mints the bearer token and
		// hands requests to the context's HTTP client as its base
		// transport; supplying an HTTP/2-configured base here means token
		// fetches and the actual transaction posts both go out over HTTP/2.
		h2Client := &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: false,
				DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
					dialer := &tls.Dialer{
						NetDialer: &net.Dialer{
							Timeout:   10 * time.Second,
							KeepAlive: 30 * time.Second,
						},
						Config: cfg,
					}
					return dialer.DialContext(ctx, network, addr)
				},
			},
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, h2Client)
		b.client = cfg.Client(ctx)
	}
	return b
}

// Accepts implements dispatch.Backend.
func (b *Backend) Accepts(key dispatch.RoutingKey) bool { return key == b.key }

// Send implements dispatch.Backend. It never blocks on the network: the
// HTTP round trip happens on a spawned goroutine, which writes exactly one
// CompletionNotification to envelope's reply sink when it concludes.
func (b *Backend) Send(envelope dispatch.TaskEnvelope) error {
	select {
	case <-b.closed:
		return dispatch.ErrBackendDead
	default:
	}

	go b.execute(envelope)
	return nil
}

func (b *Backend) execute(envelope dispatch.TaskEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	task := envelope.Task
	body, err := json.Marshal(transactionRequest{
		FamilyName:    task.Transaction.Header.FamilyName,
		FamilyVersion: task.Transaction.Header.FamilyVersion,
		Signature:     task.Transaction.Header.Signature,
		ContextID:     task.ContextID.String(),
	})
	if err != nil {
		b.logger.Error("remote backend: failed to marshal request", "error", err)
		envelope.Reply(dispatch.CompletionNotification{
			ContextID:    task.ContextID,
			Outcome:      dispatch.Invalid,
			ErrorMessage: "failed to marshal request",
		})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		b.logger.Error("remote backend: failed to build request", "error", err)
		envelope.Reply(dispatch.CompletionNotification{ContextID: task.ContextID, Outcome: dispatch.Invalid, ErrorMessage: "failed to build request"})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("remote backend: request failed", "routing_key", b.key.String(), "error", err)
		envelope.Reply(dispatch.CompletionNotification{ContextID: task.ContextID, Outcome: dispatch.Invalid, ErrorMessage: fmt.Sprintf("request failed: %v", err)})
		return
	}
	defer resp.Body.Close()

	var decoded transactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		b.logger.Warn("remote backend: failed to decode response", "routing_key", b.key.String(), "error", err)
		envelope.Reply(dispatch.CompletionNotification{ContextID: task.ContextID, Outcome: dispatch.Invalid, ErrorMessage: "failed to decode response"})
		return
	}

	outcome := dispatch.Valid
	if decoded.Outcome == dispatch.Invalid.String() {
		outcome = dispatch.Invalid
	}
	envelope.Reply(dispatch.CompletionNotification{
		ContextID:     task.ContextID,
		Outcome:       outcome,
		TransactionID: decoded.TransactionID,
		ErrorMessage:  decoded.ErrorMessage,
		ErrorData:     decoded.ErrorData,
	})
}

// Close implements dispatch.Backend.
func (b *Backend) Close() {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
}
