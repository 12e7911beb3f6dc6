package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderConnect(t *testing.T) {
	raw := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"
	req, err := parseHeader([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "example.com:443", req.Host)
}

func TestParseHeaderGet(t *testing.T) {
	raw := "GET http://example.com/path HTTP/1.1\r\nHost: example.com\r\n\r\n"
	req, err := parseHeader([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, "/path", req.URL.Path)
}

func TestParseHeaderRejectsGarbage(t *testing.T) {
	_, err := parseHeader([]byte("not a request at all\r\n\r\n"))
	assert.Error(t, err)
}
