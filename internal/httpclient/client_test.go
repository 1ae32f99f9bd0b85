package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRequestDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer server.Close()

	var out struct {
		ID string `json:"id"`
	}
	err := SendRequest(context.Background(), server.Client(), http.MethodPost, server.URL, nil, map[string]string{"input": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "resp-1", out.ID)
}

func TestSendRequestNonOKReturnsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	err := SendRequest(context.Background(), server.Client(), http.MethodPost, server.URL, nil, nil, nil)
	require.Error(t, err)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
	assert.Contains(t, string(upstream.Body), "slow down")
}

func TestSendRequestScrubsAuthFromErrorBody(t *testing.T) {
	const token = "sk-super-secret-token"

	// An upstream that echoes the authorization header back in its error
	// body, the worst case for credential leakage.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid key ` + r.Header.Get("Authorization") + `"}`))
	}))
	defer server.Close()

	headers := map[string]string{"Authorization": "Bearer " + token}
	err := SendRequest(context.Background(), server.Client(), http.MethodPost, server.URL, headers, nil, nil)
	require.Error(t, err)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream, "scrubbing must preserve the error type")
	assert.NotContains(t, string(upstream.Body), token)
	assert.Contains(t, string(upstream.Body), "***REDACTED***")
	assert.NotContains(t, err.Error(), token)
	for unwrapped := err; unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		assert.NotContains(t, unwrapped.Error(), token)
	}
}

func TestSendRequestScrubsAPIKeyHeader(t *testing.T) {
	const key = "ant-secret-key-value"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"rejected ` + r.Header.Get("x-api-key") + `"}`))
	}))
	defer server.Close()

	headers := map[string]string{"x-api-key": key}
	err := SendRequest(context.Background(), server.Client(), http.MethodPost, server.URL, headers, nil, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), key)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.NotContains(t, string(upstream.Body), key)
}
