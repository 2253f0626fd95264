// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server side of the HTTP/1.1 Upgrade exchange: request validation,
// Sec-WebSocket-Accept derivation, subprotocol and extension negotiation.

package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/momentics/hioload-wshost/api"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize  = 8192
	RequiredWebSocketVersion = "13"

	HeaderConnection          = "Connection"
	HeaderUpgrade             = "Upgrade"
	HeaderSecWebSocketKey     = "Sec-WebSocket-Key"
	HeaderSecWebSocketVersion = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept  = "Sec-WebSocket-Accept"
	HeaderSecWebSocketProto   = "Sec-WebSocket-Protocol"
	HeaderSecWebSocketExt     = "Sec-WebSocket-Extensions"
)

// Negotiated records what both peers agreed on during the handshake.
type Negotiated struct {
	Subprotocol string
	Compression bool
	// Extensions is the Sec-WebSocket-Extensions value in force.
	Extensions string
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// ServerHandshake validates upgrade requests for one service path.
type ServerHandshake struct {
	// Subprotocols lists what the service speaks; the client's offer
	// order decides which one is picked.
	Subprotocols      []string
	EnableCompression bool
	// CheckOrigin rejects cross-origin upgrades with 403 when it returns false.
	CheckOrigin    func(r *http.Request) bool
	MaxHeaderBytes int
}

// Negotiate validates r and returns the agreement plus the 101 response
// headers. Failures are *api.HandshakeError carrying the status to answer with.
func (h *ServerHandshake) Negotiate(r *http.Request) (*Negotiated, http.Header, error) {
	limit := h.MaxHeaderBytes
	if limit <= 0 {
		limit = MaxHandshakeHeadersSize
	}
	total := 0
	for k, vs := range r.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
		if total > limit {
			return nil, nil, reject(http.StatusRequestHeaderFieldsTooLarge, "handshake headers too large")
		}
	}

	if r.Method != http.MethodGet {
		return nil, nil, reject(http.StatusMethodNotAllowed, "upgrade requires GET")
	}
	if !headerContainsToken(r.Header, HeaderConnection, "upgrade") ||
		!headerContainsToken(r.Header, HeaderUpgrade, "websocket") {
		return nil, nil, reject(http.StatusBadRequest, "invalid upgrade headers")
	}
	if r.Header.Get(HeaderSecWebSocketVersion) != RequiredWebSocketVersion {
		return nil, nil, reject(http.StatusBadRequest, "unsupported WebSocket version; only '13' is supported")
	}
	key := strings.TrimSpace(r.Header.Get(HeaderSecWebSocketKey))
	if !validKey(key) {
		return nil, nil, reject(http.StatusBadRequest, "missing or malformed Sec-WebSocket-Key")
	}
	if h.CheckOrigin != nil && !h.CheckOrigin(r) {
		return nil, nil, reject(http.StatusForbidden, "origin not allowed")
	}

	neg := &Negotiated{Subprotocol: h.selectSubprotocol(r.Header)}
	resp := make(http.Header)
	resp.Set(HeaderUpgrade, "websocket")
	resp.Set(HeaderConnection, "Upgrade")
	resp.Set(HeaderSecWebSocketAccept, ComputeAcceptKey(key))
	if neg.Subprotocol != "" {
		resp.Set(HeaderSecWebSocketProto, neg.Subprotocol)
	}
	if h.EnableCompression {
		if ext, ok := negotiateDeflate(strings.Join(r.Header.Values(HeaderSecWebSocketExt), ", ")); ok {
			neg.Compression = true
			neg.Extensions = ext
			resp.Set(HeaderSecWebSocketExt, ext)
		}
	}
	return neg, resp, nil
}

// selectSubprotocol returns the first client-offered protocol the server supports.
func (h *ServerHandshake) selectSubprotocol(hdr http.Header) string {
	if len(h.Subprotocols) == 0 {
		return ""
	}
	for _, offered := range headerTokens(hdr, HeaderSecWebSocketProto) {
		for _, supported := range h.Subprotocols {
			if offered == supported {
				return offered
			}
		}
	}
	return ""
}

// WriteHandshakeResponse writes the 101 status line and hdr to w.
func WriteHandshakeResponse(w io.Writer, hdr http.Header) error {
	if _, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := hdr.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteHandshakeRejection writes a plain HTTP error response without any
// WebSocket headers. The caller closes the connection afterwards.
func WriteHandshakeRejection(w io.Writer, status int, reason string) error {
	text := http.StatusText(status)
	if text == "" {
		text = "Error"
	}
	body := reason + "\n"
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s",
		status, text, len(body), body)
	return err
}

func reject(status int, reason string) *api.HandshakeError {
	return &api.HandshakeError{Status: status, Reason: reason}
}

// validKey reports whether key is base64 of exactly 16 bytes.
func validKey(key string) bool {
	if key == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(raw) == 16
}

// headerContainsToken checks if headerName contains the given token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	for _, t := range headerTokens(h, headerName) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

// headerTokens splits every comma separated value of headerName.
func headerTokens(h http.Header, headerName string) []string {
	var out []string
	for _, v := range h.Values(headerName) {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
