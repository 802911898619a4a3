package gearman

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the server side of the protocol to
// script batch scenarios against real sockets.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	accepts atomic.Int64
	wg      sync.WaitGroup
}

// serverConn is one accepted connection seen from the server side.
type serverConn struct {
	t  *testing.T
	nc net.Conn
	br *bufio.Reader
}

func newFakeServer(t *testing.T, handler func(sc *serverConn)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{t: t, ln: ln}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepts.Add(1)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer nc.Close()
				handler(&serverConn{t: t, nc: nc, br: bufio.NewReader(nc)})
			}()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

// readRequest decodes one \0REQ frame, returning its type and raw payload.
// An io.EOF simply means the client hung up.
func (sc *serverConn) readRequest() (PacketType, []byte, bool) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(sc.br, header); err != nil {
		return 0, nil, false
	}
	require.Equal(sc.t, []byte{0, 'R', 'E', 'Q'}, header[:4], "bad request magic")
	pt := PacketType(binary.BigEndian.Uint32(header[4:8]))
	size := binary.BigEndian.Uint32(header[8:12])
	payload := make([]byte, size)
	_, err := io.ReadFull(sc.br, payload)
	require.NoError(sc.t, err)
	return pt, payload, true
}

// expect reads one request, requires its type and splits the payload into
// argc fields.
func (sc *serverConn) expect(pt PacketType, argc int) [][]byte {
	got, payload, ok := sc.readRequest()
	require.True(sc.t, ok, "connection closed awaiting %s", pt)
	require.Equal(sc.t, pt, got)
	if argc <= 1 {
		return [][]byte{payload}
	}
	return bytes.SplitN(payload, []byte{0}, argc)
}

func (sc *serverConn) send(pt PacketType, args ...[]byte) {
	_, err := sc.nc.Write(encodeFrame(magicRes, pt, args...))
	require.NoError(sc.t, err)
}

// serveOneJob answers a single submission: ack with handle, then emit the
// scripted response packets.
func serveOneJob(handle string, respond func(sc *serverConn, handle string)) func(sc *serverConn) {
	return func(sc *serverConn) {
		pt, _, ok := sc.readRequest()
		if !ok {
			return
		}
		switch pt {
		case SubmitJob, SubmitJobBg, SubmitJobHigh, SubmitJobHighBg, SubmitJobLow, SubmitJobLowBg:
			sc.send(JobCreated, []byte(handle))
			if respond != nil {
				respond(sc, handle)
			}
		}
		// keep the connection open until the client goes away
		io.Copy(io.Discard, sc.br)
	}
}

func testClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	client, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}
