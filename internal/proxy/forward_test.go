package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom, Keep-Alive")
	h.Set("X-Custom", "drop-me")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authorization", "Basic xyz")
	h.Set("X-Real", "keep-me")

	stripHopByHop(h)

	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("X-Custom"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Empty(t, h.Get("Proxy-Authorization"))
	assert.Equal(t, "keep-me", h.Get("X-Real"))
}

func TestReadBodyReadsExactContentLength(t *testing.T) {
	payload := "hello world this is the body"
	req := httptest.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader(payload))
	req.ContentLength = int64(len(payload))

	body, err := readBody(req)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
}

func TestReadBodyNoContentLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.ContentLength = 0

	body, err := readBody(req)
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestBuildOutboundRequestStripsHopByHopAndSetsBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/path?q=1", nil)
	req.Header.Set("Connection", "close")
	req.Header.Set("X-Keep", "yes")

	out, err := buildOutboundRequest(req, []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, "yes", out.Header.Get("X-Keep"))
	assert.Empty(t, out.Header.Get("Connection"))
	assert.Equal(t, int64(len("payload")), out.ContentLength)

	b, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
}

func TestWriteResponseSerializesStatusHeadersAndBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"X-Foo": []string{"bar"}, "Connection": []string{"close"}},
		Body:       io.NopCloser(strings.NewReader("body-bytes")),
	}

	var buf bytes.Buffer
	require.NoError(t, writeResponse(&buf, resp))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, out, "X-Foo: bar\r\n")
	assert.NotContains(t, out, "Connection:")
	assert.True(t, strings.HasSuffix(out, "body-bytes"))
}
