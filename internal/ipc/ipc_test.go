package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnknownType = errors.New("unknown request type")

type echo struct {
	Text string `json:"text"`
}

func startServer(t *testing.T, h Handler) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv := &Server{Path: path, Handler: h}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("serve: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	return path
}

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, req Request, peer Peer) Response {
		switch req.Type {
		case "echo":
			var e echo
			if err := req.Decode(&e); err != nil {
				return Fail(err)
			}
			return OK(e)
		case "whoami":
			return OK(peer)
		default:
			return Fail(errUnknownType)
		}
	})
}

func TestSend_RoundTrip(t *testing.T) {
	path := startServer(t, echoHandler())

	data, err := Send(context.Background(), path, "echo", echo{Text: "hello"})
	require.NoError(t, err)

	var got echo
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "hello", got.Text)
}

func TestSend_ErrorResponse(t *testing.T) {
	path := startServer(t, echoHandler())

	_, err := Send(context.Background(), path, "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), errUnknownType.Error())
}

func TestClient_SeveralRequestsOnOneConnection(t *testing.T) {
	path := startServer(t, echoHandler())
	c, err := Dial(context.Background(), path)
	require.NoError(t, err)
	defer c.Close()

	for _, text := range []string{"a", "b", "c"} {
		req, err := NewRequest("echo", echo{Text: text})
		require.NoError(t, err)
		resp, err := c.Do(context.Background(), req)
		require.NoError(t, err)
		require.NoError(t, resp.Err())
		assert.JSONEq(t, `{"text":"`+text+`"}`, string(resp.Data))
	}
}

func TestServer_MalformedLine(t *testing.T) {
	path := startServer(t, echoHandler())
	c, err := Dial(context.Background(), path)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	assert.Equal(t, StatusError, resp.Status)
	assert.True(t, strings.HasPrefix(resp.Error, "parse request"))
}

func TestServer_PeerCredentials(t *testing.T) {
	path := startServer(t, echoHandler())

	data, err := Send(context.Background(), path, "whoami", nil)
	require.NoError(t, err)
	var peer Peer
	require.NoError(t, json.Unmarshal(data, &peer))
	assert.Equal(t, int32(os.Getpid()), peer.PID)
	assert.Equal(t, uint32(os.Getuid()), peer.UID)
}

func TestServer_RemovesSocketOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv := &Server{Path: path, Handler: echoHandler()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	<-srv.Ready()
	require.NoError(t, srv.Err())

	cancel()
	require.NoError(t, <-done)
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestServer_ReadyOnListenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "ctl.sock")
	srv := &Server{Path: path, Handler: echoHandler()}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Ready not closed after a failed listen")
	}
	err := srv.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
	assert.Equal(t, err, <-done)
}

func TestDo_HonoursDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	path := startServer(t, HandlerFunc(func(ctx context.Context, _ Request, _ Peer) Response {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return OK(nil)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Send(ctx, path, "slow", nil)
	assert.Error(t, err)
}

func TestResponse_Err(t *testing.T) {
	assert.NoError(t, OK(nil).Err())
	assert.EqualError(t, Fail(errors.New("boom")).Err(), "ipc error: boom")
	assert.Error(t, Response{Status: "weird"}.Err())
}
