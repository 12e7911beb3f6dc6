package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
)

// parseHeader parses a raw header block (method line + headers,
// terminated by the blank line) captured by internal/header into an
// *http.Request with no body attached. The caller is responsible for
// reading any body separately, bounded by Content-Length.
func parseHeader(raw []byte) (*http.Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("proxy: parse request: %w", err)
	}
	return req, nil
}
