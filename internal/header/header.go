/*
Package header reads a raw HTTP header block off a byte stream.

It stops reading at exactly the CRLF CRLF terminator so that whatever
comes after — a TLS ClientHello, a request body, more pipelined bytes
— is never consumed. Callers that need to keep reading from the same
underlying connection must continue reading through the same
*bufio.Reader passed in here, not the raw connection, or they will
lose whatever the reader had already buffered.
*/
package header

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated is returned when the stream ends before the header
// terminator is seen.
var ErrTruncated = errors.New("header: stream ended before CRLF CRLF")

// ReadUntilError wraps a read failure that occurred while scanning for
// the next CR byte.
type ReadUntilError struct {
	Err error
}

func (e *ReadUntilError) Error() string { return fmt.Sprintf("header: read until CR: %v", e.Err) }
func (e *ReadUntilError) Unwrap() error { return e.Err }

// BadHTTPError wraps a non-EOF failure to read the three bytes
// immediately following a CR. A short read at end of stream is
// reported as ErrTruncated instead.
type BadHTTPError struct {
	Err error
}

func (e *BadHTTPError) Error() string { return fmt.Sprintf("header: bad http: %v", e.Err) }
func (e *BadHTTPError) Unwrap() error { return e.Err }

// ReadUntilHeaderEnd reads r until it has consumed the first CRLF CRLF
// terminator, appending every byte read (including the terminator) to
// buf. It returns the total number of bytes appended.
//
// The algorithm reads up to and including the next CR, then reads
// exactly three more bytes; if those are LF CR LF the header block is
// complete. Otherwise all four bytes are appended and the scan
// continues. This never reads past the terminator, so a caller that
// keeps using r afterward (e.g. to hand it to tls.Server) sees a
// byte-exact continuation of the stream.
func ReadUntilHeaderEnd(r *bufio.Reader, buf *[]byte) (int, error) {
	start := len(*buf)

	for {
		chunk, err := r.ReadBytes('\r')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return len(*buf) - start, ErrTruncated
			}
			return len(*buf) - start, &ReadUntilError{Err: err}
		}
		*buf = append(*buf, chunk...)

		var check [3]byte
		if _, err := io.ReadFull(r, check[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return len(*buf) - start, ErrTruncated
			}
			return len(*buf) - start, &BadHTTPError{Err: err}
		}
		*buf = append(*buf, check[:]...)

		if check == [3]byte{'\n', '\r', '\n'} {
			return len(*buf) - start, nil
		}
	}
}
