package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is the interface adapters depend on, so tests can substitute
// a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Timeouts holds the tiered per-provider network timeouts.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

// NewClient builds an http.Client with tiered timeouts. The connect phase
// is bounded by the dialer, the read phase by the response header deadline,
// and the overall request by the sum so a hung connection can never block
// an invocation indefinitely.
func NewClient(t Timeouts) *http.Client {
	dialer := &net.Dialer{Timeout: t.Connect}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   t.Connect + t.Read + t.Write,
	}
}

// SendRequest marshals body, sends the request, and decodes the JSON
// response. Non-2xx statuses return an *UpstreamError carrying the body.
// Any error leaving this function has had the secret header values
// scrubbed from its text — auth material never reaches a log or trace.
func SendRequest(ctx context.Context, client HTTPClient, method, url string, headers map[string]string, body any, response any) error {
	err := send(ctx, client, method, url, headers, body, response)
	if err != nil {
		return scrubSecrets(err, headers)
	}
	return nil
}

func send(ctx context.Context, client HTTPClient, method, url string, headers map[string]string, body any, response any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			URL:        url,
		}
	}

	if response != nil {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// secretHeaders are the header names whose values must never appear in
// error text.
var secretHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
}

// scrubSecrets replaces every occurrence of a secret header value in the
// error chain's text with a redaction marker, preserving the UpstreamError
// type for errors.As matching. Upstream bodies are scrubbed even when the
// surface message is clean; adapters embed the body into classified errors.
func scrubSecrets(err error, headers map[string]string) error {
	var secrets []string
	for name, value := range headers {
		if secretHeaders[strings.ToLower(name)] && value != "" {
			secrets = append(secrets, value)
			// Bearer prefix variants still contain the raw token.
			if tok, ok := strings.CutPrefix(value, "Bearer "); ok {
				secrets = append(secrets, tok)
			}
		}
	}
	if len(secrets) == 0 {
		return err
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		body := redact(string(upstream.Body), secrets)
		url := redact(upstream.URL, secrets)
		if body == string(upstream.Body) && url == upstream.URL {
			return err
		}
		return &UpstreamError{
			StatusCode: upstream.StatusCode,
			Body:       []byte(body),
			URL:        url,
		}
	}

	msg := err.Error()
	if clean := redact(msg, secrets); clean != msg {
		return errors.New(clean)
	}
	return err
}

func redact(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, "***REDACTED***")
	}
	return s
}
