package tools

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/pkg/schema"
)

func TestHTTPRequest_JSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"got": body["q"]})
	}))
	defer srv.Close()

	reg := builtinRegistry(t)
	out, err := run(t, reg, "http.request", Input{Parameters: map[string]any{
		"url":     srv.URL,
		"method":  "post",
		"headers": map[string]any{"X-Trace": "yes"},
		"body":    map[string]any{"q": "agents"},
		"auth":    map[string]any{"type": "bearer", "token": "s3cret"},
	}}, ExecutionContext{})
	require.NoError(t, err)

	res := out.Value().(map[string]any)
	assert.Equal(t, 200, res["status_code"])
	assert.Equal(t, map[string]any{"got": "agents"}, res["body"])
}

func TestHTTPRequest_FormAndText(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, r.Header.Get("Content-Type")+"|"+string(b))
		mu.Unlock()
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	reg := builtinRegistry(t)
	_, err := run(t, reg, "http.request", Input{Parameters: map[string]any{
		"url": srv.URL, "method": "POST", "body_encoding": "form", "body": map[string]any{"a": 1},
	}}, ExecutionContext{})
	require.NoError(t, err)
	out, err := run(t, reg, "http.request", Input{Parameters: map[string]any{
		"url": srv.URL, "method": "PUT", "body_encoding": "text", "body": "hello",
	}}, ExecutionContext{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"application/x-www-form-urlencoded|a=1", "text/plain|hello"}, seen)
	assert.Equal(t, "ok", out.Value().(map[string]any)["body"])
}

func TestHTTPRequest_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	reg := builtinRegistry(t)

	out, err := run(t, reg, "http.request", Input{Parameters: map[string]any{"url": srv.URL + "/missing"}}, ExecutionContext{})
	require.NoError(t, err, "error statuses are data unless fail_on_error_status is set")
	assert.Equal(t, 404, out.Value().(map[string]any)["status_code"])

	_, err = run(t, reg, "http.request", Input{Parameters: map[string]any{
		"url": srv.URL + "/missing", "fail_on_error_status": true,
	}}, ExecutionContext{})
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = run(t, reg, "http.request", Input{Parameters: map[string]any{
		"url": srv.URL, "fail_on_error_status": true,
	}}, ExecutionContext{})
	requireCode(t, err, schema.ErrCodeExecution)
	assert.True(t, schema.RetryableCode(schema.CodeOf(err)))
}

func TestHTTPRequest_Validation(t *testing.T) {
	reg := builtinRegistry(t)
	for _, u := range []string{"", "ftp://example.com", "not a url"} {
		_, err := run(t, reg, "http.request", Input{Parameters: map[string]any{"url": u}}, ExecutionContext{})
		requireCode(t, err, schema.ErrCodeValidation)
	}
	_, err := run(t, reg, "http.request", Input{Parameters: map[string]any{
		"url": "http://127.0.0.1:1", "timeout": "soon",
	}}, ExecutionContext{})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestHTTPRequest_NoRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "end")
	}))
	defer srv.Close()
	reg := builtinRegistry(t)

	out, err := run(t, reg, "http.request", Input{Parameters: map[string]any{
		"url": srv.URL + "/start", "follow_redirects": false,
	}}, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, out.Value().(map[string]any)["status_code"])

	out, err = run(t, reg, "http.request", Input{Parameters: map[string]any{"url": srv.URL + "/start"}}, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "end", out.Value().(map[string]any)["body"])
}

func TestCryptoTools(t *testing.T) {
	reg := builtinRegistry(t)

	out, err := run(t, reg, "crypto.hash", Input{Parameters: map[string]any{"data": "hello"}}, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", out.Value().(map[string]any)["hash"])

	out, err = run(t, reg, "crypto.hmac", Input{Parameters: map[string]any{
		"data": "The quick brown fox jumps over the lazy dog", "key": "key",
	}}, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", out.Value().(map[string]any)["hmac"])

	_, err = run(t, reg, "crypto.hash", Input{Parameters: map[string]any{"data": "x", "algorithm": "crc"}}, ExecutionContext{})
	requireCode(t, err, schema.ErrCodeValidation)
	_, err = run(t, reg, "crypto.hmac", Input{Parameters: map[string]any{"data": "x"}}, ExecutionContext{})
	requireCode(t, err, schema.ErrCodeValidation)

	a, err := run(t, reg, "uuid", Input{}, ExecutionContext{})
	require.NoError(t, err)
	b, err := run(t, reg, "uuid", Input{}, ExecutionContext{})
	require.NoError(t, err)
	assert.Len(t, a.Value(), 36)
	assert.NotEqual(t, a.Value(), b.Value())
}
