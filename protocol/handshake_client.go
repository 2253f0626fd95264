// File: protocol/handshake_client.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client side of the HTTP/1.1 Upgrade exchange.

package protocol

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/momentics/hioload-wshost/api"
)

// ClientHandshake builds the upgrade request and verifies the response.
type ClientHandshake struct {
	URL          *url.URL
	Subprotocols []string
	Compression  bool
	// Header carries extra request headers such as Origin or cookies.
	Header http.Header

	key string
}

// NewClientHandshake prepares a handshake with a fresh random key.
func NewClientHandshake(u *url.URL, subprotocols []string, compression bool, header http.Header) *ClientHandshake {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	return &ClientHandshake{
		URL:          u,
		Subprotocols: subprotocols,
		Compression:  compression,
		Header:       header,
		key:          base64.StdEncoding.EncodeToString(raw[:]),
	}
}

// Key returns the Sec-WebSocket-Key sent with the request.
func (h *ClientHandshake) Key() string { return h.key }

// WriteRequest writes the GET upgrade request to w.
func (h *ClientHandshake) WriteRequest(w io.Writer) error {
	hdr := make(http.Header, len(h.Header)+6)
	for k, vs := range h.Header {
		hdr[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	hdr.Set(HeaderUpgrade, "websocket")
	hdr.Set(HeaderConnection, "Upgrade")
	hdr.Set(HeaderSecWebSocketKey, h.key)
	hdr.Set(HeaderSecWebSocketVersion, RequiredWebSocketVersion)
	if len(h.Subprotocols) > 0 {
		hdr.Set(HeaderSecWebSocketProto, strings.Join(h.Subprotocols, ", "))
	}
	if h.Compression {
		hdr.Set(HeaderSecWebSocketExt, deflateOffer())
	}
	hdr.Del("Host")

	bw := bufio.NewWriter(w)
	bw.WriteString("GET " + h.URL.RequestURI() + " HTTP/1.1\r\n")
	bw.WriteString("Host: " + h.URL.Host + "\r\n")
	if err := hdr.Write(bw); err != nil {
		return err
	}
	bw.WriteString("\r\n")
	return bw.Flush()
}

// ReadResponse parses the server's answer from br and validates it.
// Bytes following the response stay buffered in br.
func (h *ClientHandshake) ReadResponse(br *bufio.Reader) (*Negotiated, error) {
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return nil, &api.HandshakeError{Reason: "read response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, &api.HandshakeError{Status: resp.StatusCode, Reason: "unexpected status " + resp.Status}
	}
	if !headerContainsToken(resp.Header, HeaderUpgrade, "websocket") ||
		!headerContainsToken(resp.Header, HeaderConnection, "upgrade") {
		return nil, &api.HandshakeError{Status: resp.StatusCode, Reason: "missing upgrade headers"}
	}
	accept := resp.Header.Get(HeaderSecWebSocketAccept)
	if accept == "" {
		return nil, &api.HandshakeError{Status: resp.StatusCode, Reason: "missing Sec-WebSocket-Accept"}
	}
	if accept != ComputeAcceptKey(h.key) {
		return nil, &api.HandshakeError{Status: resp.StatusCode, Reason: "Sec-WebSocket-Accept mismatch"}
	}

	neg := &Negotiated{Subprotocol: resp.Header.Get(HeaderSecWebSocketProto)}
	if neg.Subprotocol != "" && !contains(h.Subprotocols, neg.Subprotocol) {
		return nil, &api.HandshakeError{Status: resp.StatusCode, Reason: "server selected unoffered subprotocol " + neg.Subprotocol}
	}
	ext := strings.Join(resp.Header.Values(HeaderSecWebSocketExt), ", ")
	active, err := acceptDeflate(ext, h.Compression)
	if err != nil {
		return nil, &api.HandshakeError{Status: resp.StatusCode, Reason: err.Error()}
	}
	if active {
		neg.Compression = true
		neg.Extensions = ext
	}
	return neg, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
