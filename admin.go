package gearman

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The admin interface is the line-oriented side channel every job server
// exposes on the same port as the binary protocol: one command line in,
// tab- or space-separated rows out, terminated by a lone "." line.

// FunctionStatus is one row of the `status` command.
type FunctionStatus struct {
	Function string
	Queued   int
	Running  int
	Workers  int
}

// WorkerInfo is one row of the `workers` command.
type WorkerInfo struct {
	FD        int
	Addr      string
	ClientID  string
	Functions []string
}

// Admin issues text admin commands against a single server.
type Admin struct {
	client *Client
	addr   string
}

// Admin returns an admin handle bound to one server of the pool.
func (c *Client) Admin(addr string) (*Admin, error) {
	addr, err := normalizeAddr(addr)
	if err != nil {
		return nil, err
	}
	return &Admin{client: c, addr: addr}, nil
}

func (a *Admin) command(cmd string) ([]string, error) {
	conn, err := a.client.pool.acquire(context.Background(), a.addr)
	if err != nil {
		return nil, err
	}
	conn.setDeadline(time.Now().Add(a.client.cfg.submitWait))
	lines, err := conn.textCommand(cmd)
	conn.setDeadline(time.Time{})
	if err != nil {
		a.client.pool.recordFailure(a.addr)
		a.client.pool.discard(conn)
		return nil, err
	}
	a.client.pool.release(conn)
	return lines, nil
}

// Status reports per-function queue depth, the column layout being
// function, queued total, currently running, available workers.
func (a *Admin) Status() ([]FunctionStatus, error) {
	lines, err := a.command("status")
	if err != nil {
		return nil, err
	}
	out := make([]FunctionStatus, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 4 {
			return nil, fmt.Errorf("%w: status row %q", ErrProtocol, line)
		}
		fs := FunctionStatus{Function: cols[0]}
		fs.Queued, _ = strconv.Atoi(cols[1])
		fs.Running, _ = strconv.Atoi(cols[2])
		fs.Workers, _ = strconv.Atoi(cols[3])
		out = append(out, fs)
	}
	return out, nil
}

// Workers lists connected workers: file descriptor, peer address, client
// id, then the colon-separated list of registered functions.
func (a *Admin) Workers() ([]WorkerInfo, error) {
	lines, err := a.command("workers")
	if err != nil {
		return nil, err
	}
	out := make([]WorkerInfo, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		head, fns, ok := strings.Cut(line, ":")
		fields := strings.Fields(head)
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: workers row %q", ErrProtocol, line)
		}
		wi := WorkerInfo{Addr: fields[1], ClientID: fields[2]}
		wi.FD, _ = strconv.Atoi(fields[0])
		if ok {
			wi.Functions = strings.Fields(fns)
		}
		out = append(out, wi)
	}
	return out, nil
}

// Jobs returns the raw rows of the `jobs` listing; the column layout
// varies between server implementations so no further parsing is applied.
func (a *Admin) Jobs() ([]string, error) {
	return a.command("jobs")
}

// Clients returns the raw rows of the `clients` listing.
func (a *Admin) Clients() ([]string, error) {
	return a.command("clients")
}

// Version asks the server for its version string.
func (a *Admin) Version() (string, error) {
	conn, err := a.client.pool.acquire(context.Background(), a.addr)
	if err != nil {
		return "", err
	}
	conn.setDeadline(time.Now().Add(a.client.cfg.submitWait))
	defer conn.setDeadline(time.Time{})
	if _, err := conn.nc.Write([]byte("version\n")); err != nil {
		a.client.pool.recordFailure(a.addr)
		a.client.pool.discard(conn)
		return "", err
	}
	line, err := conn.br.ReadString('\n')
	if err != nil {
		a.client.pool.recordFailure(a.addr)
		a.client.pool.discard(conn)
		return "", err
	}
	a.client.pool.release(conn)
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimRight(line, "\r\n"), "OK ")), nil
}
