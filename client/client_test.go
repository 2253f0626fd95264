package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/protocol"
	"github.com/momentics/hioload-wshost/server"
)

// gorillaEcho serves an echo endpoint backed by gorilla/websocket.
func gorillaEcho(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{Subprotocols: []string{"v1"}, EnableCompression: true}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func toWS(httpURL string) string { return "ws" + strings.TrimPrefix(httpURL, "http") }

type inbox struct {
	opened chan struct{}
	msgs   chan *protocol.Message
	closed chan api.CloseInfo
}

func subscribe(c *Client) *inbox {
	in := &inbox{
		opened: make(chan struct{}, 4),
		msgs:   make(chan *protocol.Message, 16),
		closed: make(chan api.CloseInfo, 4),
	}
	c.OnOpen(func(*Client) { in.opened <- struct{}{} })
	c.OnMessage(func(_ *Client, m *protocol.Message) { in.msgs <- m })
	c.OnClose(func(_ *Client, info api.CloseInfo) { in.closed <- info })
	return in
}

func (in *inbox) message(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case m := <-in.msgs:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message")
	}
	return nil
}

func (in *inbox) close(t *testing.T) api.CloseInfo {
	t.Helper()
	select {
	case ci := <-in.closed:
		return ci
	case <-time.After(3 * time.Second):
		t.Fatal("no close")
	}
	return api.CloseInfo{}
}

func TestNewRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"http://example.com", "ws://", "::not a url", "tcp://host:1"} {
		_, err := New(raw)
		var ce *api.ConfigurationError
		assert.True(t, errors.As(err, &ce), raw)
	}
	c, err := New("wss://example.com/feed")
	require.NoError(t, err)
	assert.Equal(t, "example.com:443", hostPort(c.URL()))
}

func TestSendBeforeConnect(t *testing.T) {
	c, err := New("ws://127.0.0.1:1/")
	require.NoError(t, err)
	assert.Equal(t, api.StateConnecting, c.State())
	assert.Nil(t, c.Done())

	var ise *api.InvalidStateError
	assert.True(t, errors.As(c.SendText("x"), &ise))
	assert.True(t, errors.As(c.CloseNormal(), &ise))
}

func TestClientAgainstGorillaServer(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ts := gorillaEcho(t)
	defer ts.Close()

	c, err := New(toWS(ts.URL), WithSubprotocols("v2", "v1"), WithCompression())
	require.NoError(t, err)
	in := subscribe(c)

	require.NoError(t, c.Connect(context.Background()))
	<-in.opened
	assert.Equal(t, api.StateOpen, c.State())
	assert.Equal(t, "v1", c.Subprotocol())
	assert.True(t, c.Compressed())

	text := strings.Repeat("round and round ", 300)
	require.NoError(t, c.SendText(text))
	assert.Equal(t, text, in.message(t).Text())

	require.NoError(t, c.SendJSON(map[string]int{"n": 42}))
	var v struct {
		N int `json:"n"`
	}
	require.NoError(t, in.message(t).Decode(&v))
	assert.Equal(t, 42, v.N)

	require.NoError(t, c.SendBinary([]byte{0, 1, 2}))
	assert.Equal(t, []byte{0, 1, 2}, in.message(t).Bytes())

	require.NoError(t, c.CloseNormal())
	info := in.close(t)
	assert.True(t, info.Clean)
	assert.Equal(t, api.CloseNormalClosure, info.Code)
	<-c.Done()
	assert.Equal(t, api.StateClosed, c.State())
}

type echoController struct{ server.BaseController }

func (echoController) OnMessage(s *server.Session, m *protocol.Message) {
	_ = s.Send(m.Opcode, m.Bytes())
}

func TestClientAgainstOwnServer(t *testing.T) {
	srv, err := server.NewServer("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx, api.CloseGoingAway, ""))
	}()

	closes := make(chan api.CloseInfo, 4)
	_, err = srv.Register("/echo", func() server.Controller { return &closeSpy{ch: closes} }, nil,
		server.WithSubprotocols("echo"), server.WithCompression())
	require.NoError(t, err)

	c, err := New("ws://"+srv.Addr().String()+"/echo", WithSubprotocols("echo"), WithCompression(),
		WithHeader("X-Trace", "abc"))
	require.NoError(t, err)
	in := subscribe(c)

	for round := 0; round < 2; round++ {
		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, "echo", c.Subprotocol())
		assert.True(t, c.Compressed())

		var ise *api.InvalidStateError
		assert.True(t, errors.As(c.Connect(context.Background()), &ise), "connect while open")

		require.NoError(t, c.SendBinary([]byte("payload")))
		assert.Equal(t, "payload", string(in.message(t).Bytes()))

		require.NoError(t, c.Close(4000, "custom"))
		assert.Equal(t, api.CloseInfo{Code: 4000, Reason: "custom", Clean: true}, in.close(t))
		select {
		case info := <-closes:
			assert.Equal(t, api.CloseInfo{Code: 4000, Reason: "custom", Clean: true}, info)
		case <-time.After(3 * time.Second):
			t.Fatal("server session not closed")
		}
	}
}

type closeSpy struct {
	echoController
	ch chan api.CloseInfo
}

func (c *closeSpy) OnClose(_ *server.Session, info api.CloseInfo) { c.ch <- info }

func TestHandshakeRejectionIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "go away", http.StatusForbidden)
	}))
	defer ts.Close()

	c, err := New(toWS(ts.URL), WithDialAttempts(3, 10*time.Millisecond))
	require.NoError(t, err)
	err = c.Connect(context.Background())

	var he *api.HandshakeError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusForbidden, he.Status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDialFailureIsRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := New("ws://"+addr+"/", WithDialAttempts(3, 10*time.Millisecond))
	require.NoError(t, err)
	var failures atomic.Int32
	c.OnError(func(*Client, error) { failures.Add(1) })

	start := time.Now()
	err = c.Connect(context.Background())
	var te *api.TransportError
	require.True(t, errors.As(err, &te))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, failures.Load(), "dial failures are returned, not dispatched")
}

func TestConnectHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := New("ws://"+addr+"/", WithDialAttempts(5, time.Second))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Connect(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
