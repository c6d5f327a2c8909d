package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends requests over one connection. It is not safe for concurrent
// use.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the daemon socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Do sends req and waits for its response. The ctx deadline bounds the
// round trip.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	b, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send dials, sends one request and returns the response data. A response
// with status error becomes an error.
func Send(ctx context.Context, socketPath, typ string, data any) (json.RawMessage, error) {
	req, err := NewRequest(typ, data)
	if err != nil {
		return nil, err
	}
	c, err := Dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Data, resp.Err()
}
