package header_test

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/mitmd/internal/header"
)

func TestReadUntilHeaderEnd_SimpleRequest(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\nBODYBODY"
	r := bufio.NewReader(strings.NewReader(raw))

	var buf []byte
	n, err := header.ReadUntilHeaderEnd(r, &buf)
	require.NoError(t, err)

	wantHeader := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	assert.Equal(t, len(wantHeader), n)
	assert.Equal(t, wantHeader, string(buf))

	// Round-trip law: header ++ remaining stream == original stream.
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, raw, string(buf)+string(rest))
}

func TestReadUntilHeaderEnd_GrowsAcrossMultipleReads(t *testing.T) {
	// A header with an embedded lone CR that isn't the terminator, to
	// exercise the "accumulate all four bytes and continue" branch.
	raw := "X-Odd: a\rb\r\nHost: h\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	var buf []byte
	_, err := header.ReadUntilHeaderEnd(r, &buf)
	require.NoError(t, err)
	assert.Equal(t, raw, string(buf))
}

func TestReadUntilHeaderEnd_Truncated(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.com\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	var buf []byte
	_, err := header.ReadUntilHeaderEnd(r, &buf)
	assert.ErrorIs(t, err, header.ErrTruncated)
}

func TestReadUntilHeaderEnd_PreservesBufferedStateForSubsequentReads(t *testing.T) {
	// Simulates the CONNECT use case: after the header, a TLS
	// handshake (here, arbitrary bytes) must come through untouched.
	raw := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n" + "\x16\x03\x01FAKE-TLS"
	r := bufio.NewReader(strings.NewReader(raw))

	var buf []byte
	_, err := header.ReadUntilHeaderEnd(r, &buf)
	require.NoError(t, err)

	rest := make([]byte, len("\x16\x03\x01FAKE-TLS"))
	_, err = io.ReadFull(r, rest)
	require.NoError(t, err)
	assert.Equal(t, "\x16\x03\x01FAKE-TLS", string(rest))
}

func TestReadUntilHeaderEnd_AppendsToExistingBuffer(t *testing.T) {
	raw := "GET / HTTP/1.0\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	buf := []byte("preamble")
	n, err := header.ReadUntilHeaderEnd(r, &buf)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, "preamble"+raw, string(buf))
}
