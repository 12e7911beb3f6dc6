package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// hopByHopHeaders must not be forwarded to the next hop, end-to-end
// across a proxy. Stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, conn := range h.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// readBody reads exactly the number of bytes named by the request's
// Content-Length header, into a correctly sized buffer. The original
// implementation this was distilled from allocates the buffer with
// Vec::with_capacity (length zero) and reads into it directly, which
// reads zero bytes every time; here the buffer is sized to length so
// the read actually fills it.
func readBody(r *http.Request) ([]byte, error) {
	if r.ContentLength <= 0 {
		return nil, nil
	}
	buf := make([]byte, r.ContentLength)
	if _, err := io.ReadFull(r.Body, buf); err != nil {
		return nil, fmt.Errorf("proxy: read body: %w", err)
	}
	return buf, nil
}

// buildOutboundRequest clones in into a request suitable for
// http.Client.Do: absolute URL, hop-by-hop headers stripped, no
// RequestURI (set only on server-side requests).
func buildOutboundRequest(in *http.Request, body []byte) (*http.Request, error) {
	url := in.URL
	if !url.IsAbs() {
		url.Scheme = "http"
		url.Host = in.Host
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	out, err := http.NewRequest(in.Method, url.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("proxy: build outbound request: %w", err)
	}
	out.Header = in.Header.Clone()
	stripHopByHop(out.Header)
	if len(body) > 0 {
		out.ContentLength = int64(len(body))
		out.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return out, nil
}

// writeResponse serializes resp as an HTTP/1.1 status line + headers
// + body directly onto w, stripping hop-by-hop headers first.
func writeResponse(w io.Writer, resp *http.Response) error {
	stripHopByHop(resp.Header)

	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	_, err := io.Copy(w, resp.Body)
	return err
}
