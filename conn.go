package gearman

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// conn wraps one TCP connection to a job server with the binary packet
// framing and the line-oriented admin mode. A conn has exactly one reader
// at a time; the pool and the batch hand it off, never share it.
type conn struct {
	addr string
	nc   net.Conn
	br   *bufio.Reader

	// exceptions records the outcome of the one-time OPTION_REQ handshake
	// for this connection.
	exceptions bool
}

func dialConn(ctx context.Context, addr string) (*conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		// Packets are small and latency-sensitive; never batch them.
		tc.SetNoDelay(true)
	}
	return &conn{addr: addr, nc: nc, br: bufio.NewReader(nc)}, nil
}

func (c *conn) writePacket(pt PacketType, args ...[]byte) error {
	_, err := c.nc.Write(encodePacket(pt, args...))
	return err
}

func (c *conn) readPacket() (*Packet, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.br, header); err != nil {
		return nil, err
	}
	pt, size, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %w", ErrProtocol, err)
	}
	return decodePayload(pt, payload)
}

// roundTrip writes one request and reads packets until one of the wanted
// types arrives, returning it. Anything else on a dedicated connection is a
// protocol violation.
func (c *conn) roundTrip(pt PacketType, want map[PacketType]bool, args ...[]byte) (*Packet, error) {
	if err := c.writePacket(pt, args...); err != nil {
		return nil, err
	}
	pkt, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	if !want[pkt.Type] {
		return nil, fmt.Errorf("%w: unexpected %s in response to %s", ErrProtocol, pkt.Type, pt)
	}
	return pkt, nil
}

// textCommand sends a line command and collects response lines until the
// lone-dot terminator.
func (c *conn) textCommand(cmd string) ([]string, error) {
	if _, err := io.WriteString(c.nc, cmd+"\n"); err != nil {
		return nil, err
	}
	var lines []string
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAdminTruncated, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// healthy probes a cached connection before reuse. An idle connection has
// nothing to read, so an immediate read deadline must report a timeout;
// EOF, errors or stray bytes all mean the connection is not reusable.
func (c *conn) healthy() bool {
	if c.br.Buffered() > 0 {
		return false
	}
	if err := c.nc.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	_, err := c.br.Peek(1)
	c.nc.SetReadDeadline(time.Time{})
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return false
}

func (c *conn) setDeadline(t time.Time) {
	c.nc.SetDeadline(t)
}

func (c *conn) close() error {
	return c.nc.Close()
}
