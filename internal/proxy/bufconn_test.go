package proxy

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufConnReplaysBufferedBytesBeforeRawConn(t *testing.T) {
	client, remote := net.Pipe()
	defer client.Close()

	go func() {
		remote.Write([]byte("ABCDEF"))
		remote.Write([]byte("GHI"))
		remote.Close()
	}()

	r := bufio.NewReaderSize(client, 3)
	first := make([]byte, 3)
	_, err := io.ReadFull(r, first)
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(first))

	bc := newBufConn(client, r)
	rest, err := io.ReadAll(bc)
	require.NoError(t, err)
	assert.Equal(t, "DEFGHI", string(rest))
}
