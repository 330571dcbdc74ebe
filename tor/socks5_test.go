package tor

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDialer hands out one end of an in-memory pipe and records the
// requested address.
type stubDialer struct {
	addr   string
	remote net.Conn
	err    error
}

func (d *stubDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.addr = addr
	if d.err != nil {
		return nil, d.err
	}
	local, remote := net.Pipe()
	d.remote = remote
	return local, nil
}

// runHandler serves one proxy connection over a pipe and returns the
// client end.
func runHandler(t *testing.T, dialer Dialer) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go handleSocks5(context.Background(), server, dialer)
	t.Cleanup(func() { client.Close() })
	return client
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestSocks5ConnectDomain(t *testing.T) {
	dialer := &stubDialer{}
	client := runHandler(t, dialer)

	// Greeting: no-auth offered.
	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, readN(t, client, 2))

	// CONNECT alice:80 by domain name.
	req := []byte{0x05, 0x01, 0x00, 0x03, 0x05}
	req = append(req, []byte("alice")...)
	req = append(req, 0x00, 0x50)
	_, err = client.Write(req)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, readN(t, client, 10))
	assert.Equal(t, "alice:80", dialer.addr)

	// Bytes written after the reply surface on the overlay stream.
	go client.Write([]byte("GET / HTTP/1.0\r\n"))
	echo := make([]byte, 16)
	dialer.remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(dialer.remote, echo)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.0\r\n", string(echo))

	// And the reverse direction reaches the client.
	go dialer.remote.Write([]byte("HTTP/1.0 200 OK"))
	assert.Equal(t, "HTTP/1.0 200 OK", string(readN(t, client, 15)))
}

func TestSocks5ConnectIPv4(t *testing.T) {
	dialer := &stubDialer{}
	client := runHandler(t, dialer)

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x1F, 0x90})
	assert.Equal(t, byte(0x00), readN(t, client, 10)[1])
	assert.Equal(t, "10.0.0.1:8080", dialer.addr)
}

func TestSocks5ConnectIPv6(t *testing.T) {
	dialer := &stubDialer{}
	client := runHandler(t, dialer)

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	req := []byte{0x05, 0x01, 0x00, 0x04}
	addr := make([]byte, 16)
	addr[15] = 1 // ::1
	req = append(req, addr...)
	req = append(req, 0x00, 0x50)
	client.Write(req)

	assert.Equal(t, byte(0x00), readN(t, client, 10)[1])
	assert.Equal(t, "[::1]:80", dialer.addr)
}

func TestSocks5NoAcceptableMethod(t *testing.T) {
	client := runHandler(t, &stubDialer{})

	// Only username/password auth offered.
	client.Write([]byte{0x05, 0x01, 0x02})
	assert.Equal(t, []byte{0x05, 0xFF}, readN(t, client, 2))

	// The handler closes the connection afterwards.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestSocks5BadVersion(t *testing.T) {
	client := runHandler(t, &stubDialer{})

	client.Write([]byte{0x04, 0x01, 0x00})

	// Protocol error: closed without a reply.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestSocks5UnsupportedCommand(t *testing.T) {
	client := runHandler(t, &stubDialer{})

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	// BIND is not supported.
	client.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	assert.Equal(t, byte(0x07), readN(t, client, 10)[1])
}

func TestSocks5UnsupportedAddrType(t *testing.T) {
	client := runHandler(t, &stubDialer{})

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	client.Write([]byte{0x05, 0x01, 0x00, 0x05})
	assert.Equal(t, byte(0x08), readN(t, client, 10)[1])
}

func TestSocks5UpstreamFailure(t *testing.T) {
	dialer := &stubDialer{err: context.DeadlineExceeded}
	client := runHandler(t, dialer)

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	req := []byte{0x05, 0x01, 0x00, 0x03, 0x04}
	req = append(req, []byte("dead")...)
	req = append(req, 0x00, 0x50)
	client.Write(req)

	// Host unreachable.
	assert.Equal(t, byte(0x04), readN(t, client, 10)[1])
}
