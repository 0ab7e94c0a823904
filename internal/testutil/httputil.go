package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// JSONRequest builds a request carrying body as JSON. A string or []byte body
// is sent verbatim so malformed payloads can be exercised.
func JSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
		r = http.NoBody
	case string:
		r = strings.NewReader(b)
	case []byte:
		r = bytes.NewReader(b)
	default:
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body), "encode request body")
		r = &buf
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithBearer sets the Authorization header for an API key.
func WithBearer(req *http.Request, apiKey string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req
}

// DecodeJSON decodes the recorded response body into v.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v), "decode response body: %s", rec.Body.String())
}
