// File: client/client.go
// Package client provides a URL-constructed WebSocket client with event
// subscriptions.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The client dials ws:// or wss:// endpoints, performs the upgrade with
// optional subprotocol and permessage-deflate offers, retries failed dials
// with linear backoff and then drives the connection through the same
// engine the server uses.

package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/protocol"
)

// ClientConfig holds all configurable parameters for the WebSocket client.
type ClientConfig struct {
	Subprotocols     []string        // offered in preference order
	Compression      bool            // offer permessage-deflate
	Header           http.Header     // extra request headers such as Origin
	HandshakeTimeout time.Duration   // bound on dial plus upgrade exchange
	DialAttempts     int             // total attempts, at least 1
	RetryBackoff     time.Duration   // wait grows linearly: attempt * RetryBackoff
	TLSConfig        *tls.Config     // used for wss://
	Connection       protocol.Config // per-connection tunables
	Logger           zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		DialAttempts:     1,
		RetryBackoff:     100 * time.Millisecond,
		Connection:       protocol.DefaultConfig(),
		Logger:           zerolog.Nop(),
	}
}

// Option customizes a Client.
type Option func(*ClientConfig)

// WithSubprotocols offers protos in preference order.
func WithSubprotocols(protos ...string) Option {
	return func(c *ClientConfig) { c.Subprotocols = append(c.Subprotocols, protos...) }
}

// WithCompression offers permessage-deflate.
func WithCompression() Option {
	return func(c *ClientConfig) { c.Compression = true }
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(c *ClientConfig) {
		if c.Header == nil {
			c.Header = make(http.Header)
		}
		c.Header.Add(key, value)
	}
}

// WithHandshakeTimeout bounds dial plus upgrade.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *ClientConfig) { c.HandshakeTimeout = d }
}

// WithDialAttempts sets the total number of connection attempts.
func WithDialAttempts(n int, backoff time.Duration) Option {
	return func(c *ClientConfig) {
		c.DialAttempts = n
		c.RetryBackoff = backoff
	}
}

// WithTLSConfig sets the TLS configuration for wss:// URLs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *ClientConfig) { c.TLSConfig = cfg }
}

// WithConnectionConfig sets the per-connection tunables.
func WithConnectionConfig(cfg protocol.Config) Option {
	return func(c *ClientConfig) { c.Connection = cfg }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *ClientConfig) { c.Logger = l }
}

// Client is a WebSocket client bound to one URL.
type Client struct {
	cfg ClientConfig
	url *url.URL
	log zerolog.Logger

	mu        sync.Mutex
	conn      *protocol.Conn
	onOpen    []func(*Client)
	onMessage []func(*Client, *protocol.Message)
	onError   []func(*Client, error)
	onClose   []func(*Client, api.CloseInfo)
}

// New parses rawURL and builds an unconnected client. Only ws and wss
// schemes are accepted.
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &api.ConfigurationError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &api.ConfigurationError{Field: "url", Reason: "scheme must be ws or wss, got " + u.Scheme}
	}
	if u.Host == "" {
		return nil, &api.ConfigurationError{Field: "url", Reason: "missing host"}
	}
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.DialAttempts < 1 {
		cfg.DialAttempts = 1
	}
	return &Client{
		cfg: cfg,
		url: u,
		log: cfg.Logger.With().Str("url", u.String()).Logger(),
	}, nil
}

// URL returns the target URL.
func (c *Client) URL() *url.URL { return c.url }

// OnOpen subscribes fn to the open event.
func (c *Client) OnOpen(fn func(*Client)) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, fn)
	c.mu.Unlock()
}

// OnMessage subscribes fn to inbound data messages.
func (c *Client) OnMessage(fn func(*Client, *protocol.Message)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.mu.Unlock()
}

// OnError subscribes fn to connection failures.
func (c *Client) OnError(fn func(*Client, error)) {
	c.mu.Lock()
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

// OnClose subscribes fn to the terminal close event.
func (c *Client) OnClose(fn func(*Client, api.CloseInfo)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Connect dials and upgrades, retrying up to DialAttempts times. Handshake
// rejections by the server are returned without retrying. A client whose
// previous connection is Closed may connect again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil && c.conn.State() != api.StateClosed {
		s := c.conn.State()
		c.mu.Unlock()
		return &api.InvalidStateError{Op: "connect", State: s}
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.DialAttempts; attempt++ {
		nc, br, neg, err := c.dialAndHandshake(ctx)
		if err == nil {
			conn := protocol.NewConn(nc, br, protocol.RoleClient, neg, c.connConfig(), events{c: c})
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return conn.Start()
		}
		lastErr = err
		var he *api.HandshakeError
		if errors.As(err, &he) && he.Status != 0 {
			return err
		}
		if attempt == c.cfg.DialAttempts {
			break
		}
		c.log.Debug().Err(err).Int("attempt", attempt).Msg("connect failed, retrying")
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "connect")
		case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
		}
	}
	return errors.Wrapf(lastErr, "connect after %d attempt(s)", c.cfg.DialAttempts)
}

func (c *Client) connConfig() protocol.Config {
	cfg := c.cfg.Connection
	if cfg.Logger == nil {
		cfg.Logger = &c.log
	}
	return cfg
}

// dialAndHandshake performs one TCP (and TLS) dial plus the upgrade.
func (c *Client) dialAndHandshake(ctx context.Context) (net.Conn, *bufio.Reader, *protocol.Negotiated, error) {
	if d := c.cfg.HandshakeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", hostPort(c.url))
	if err != nil {
		return nil, nil, nil, &api.TransportError{Op: "dial", Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	if c.url.Scheme == "wss" {
		tcfg := c.cfg.TLSConfig.Clone()
		if tcfg == nil {
			tcfg = &tls.Config{}
		}
		if tcfg.ServerName == "" {
			tcfg.ServerName = c.url.Hostname()
		}
		tc := tls.Client(nc, tcfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, nil, nil, &api.TransportError{Op: "tls handshake", Err: err}
		}
		nc = tc
	}

	hs := protocol.NewClientHandshake(c.url, c.cfg.Subprotocols, c.cfg.Compression, c.cfg.Header)
	if err := hs.WriteRequest(nc); err != nil {
		_ = nc.Close()
		return nil, nil, nil, &api.TransportError{Op: "handshake write", Err: err}
	}
	br := bufio.NewReaderSize(nc, 4096)
	neg, err := hs.ReadResponse(br)
	if err != nil {
		_ = nc.Close()
		return nil, nil, nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return nc, br, neg, nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "wss" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func (c *Client) current() *protocol.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// State returns the connection state; Connecting before Connect succeeds.
func (c *Client) State() api.State {
	if conn := c.current(); conn != nil {
		return conn.State()
	}
	return api.StateConnecting
}

// Subprotocol returns the subprotocol selected by the server.
func (c *Client) Subprotocol() string {
	if conn := c.current(); conn != nil {
		return conn.Subprotocol()
	}
	return ""
}

// Compressed reports whether permessage-deflate is active.
func (c *Client) Compressed() bool {
	if conn := c.current(); conn != nil {
		return conn.Compressed()
	}
	return false
}

// Done is closed after the close event was delivered. It is nil before
// the first successful Connect.
func (c *Client) Done() <-chan struct{} {
	if conn := c.current(); conn != nil {
		return conn.Done()
	}
	return nil
}

// CloseInfo returns the close report once closed.
func (c *Client) CloseInfo() (api.CloseInfo, bool) {
	if conn := c.current(); conn != nil {
		return conn.CloseInfo()
	}
	return api.CloseInfo{}, false
}

func (c *Client) open(op string) (*protocol.Conn, error) {
	conn := c.current()
	if conn == nil {
		return nil, &api.InvalidStateError{Op: op, State: api.StateConnecting}
	}
	return conn, nil
}

// SendText sends a text message.
func (c *Client) SendText(s string) error {
	conn, err := c.open("send")
	if err != nil {
		return err
	}
	return conn.SendText(s)
}

// SendBinary sends a binary message.
func (c *Client) SendBinary(p []byte) error {
	conn, err := c.open("send")
	if err != nil {
		return err
	}
	return conn.SendBinary(p)
}

// SendJSON marshals v and sends it as text.
func (c *Client) SendJSON(v any) error {
	b, err := sonnet.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}
	conn, err := c.open("send")
	if err != nil {
		return err
	}
	return conn.Send(protocol.OpText, b)
}

// Ping sends a ping frame.
func (c *Client) Ping(payload []byte) error {
	conn, err := c.open("ping")
	if err != nil {
		return err
	}
	return conn.Ping(payload)
}

// Close starts the closing handshake with code and reason.
func (c *Client) Close(code uint16, reason string) error {
	conn, err := c.open("close")
	if err != nil {
		return err
	}
	return conn.Close(code, reason)
}

// CloseNormal closes with 1000 and an empty reason.
func (c *Client) CloseNormal() error {
	return c.Close(api.CloseNormalClosure, "")
}

// events fans connection callbacks out to the subscribers.
type events struct{ c *Client }

func (e events) OnOpen(*protocol.Conn) {
	e.c.mu.Lock()
	subs := append(([]func(*Client))(nil), e.c.onOpen...)
	e.c.mu.Unlock()
	for _, fn := range subs {
		fn(e.c)
	}
}

func (e events) OnMessage(_ *protocol.Conn, m *protocol.Message) {
	e.c.mu.Lock()
	subs := append(([]func(*Client, *protocol.Message))(nil), e.c.onMessage...)
	e.c.mu.Unlock()
	for _, fn := range subs {
		fn(e.c, m)
	}
}

func (e events) OnError(_ *protocol.Conn, err error) {
	e.c.log.Debug().Err(err).Msg("connection error")
	e.c.mu.Lock()
	subs := append(([]func(*Client, error))(nil), e.c.onError...)
	e.c.mu.Unlock()
	for _, fn := range subs {
		fn(e.c, err)
	}
}

func (e events) OnClose(_ *protocol.Conn, info api.CloseInfo) {
	e.c.mu.Lock()
	subs := append(([]func(*Client, api.CloseInfo))(nil), e.c.onClose...)
	e.c.mu.Unlock()
	for _, fn := range subs {
		fn(e.c, info)
	}
}
