// File: protocol/deflate.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// permessage-deflate (RFC 7692) negotiation and per-message codec.
// Both directions run without context takeover, so every message is
// compressed and inflated independently.

package protocol

import (
	"bytes"
	"compress/flate"
	"io"
	"strings"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws/wsflate"
	"github.com/pkg/errors"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/pool"
)

// deflateParameters is offered by clients and demanded by servers.
var deflateParameters = wsflate.Parameters{
	ServerNoContextTakeover: true,
	ClientNoContextTakeover: true,
}

// Compression deflates and inflates whole message payloads.
type Compression struct {
	level int
}

// NewCompression returns a codec using the given compress/flate level.
func NewCompression(level int) *Compression {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.BestSpeed
	}
	return &Compression{level: level}
}

// deflateWriters holds one writer pool per compression level.
var deflateWriters = func() (p [flate.BestCompression - flate.HuffmanOnly + 1]*pool.SyncPool[*wsflate.Writer]) {
	for i := range p {
		level := i + flate.HuffmanOnly
		p[i] = pool.NewSyncPool(func() *wsflate.Writer {
			return wsflate.NewWriter(nil, func(w io.Writer) wsflate.Compressor {
				fw, _ := flate.NewWriter(w, level)
				return fw
			})
		})
	}
	return p
}()

var deflateReaders = pool.NewSyncPool(func() *wsflate.Reader {
	return wsflate.NewReader(nil, func(r io.Reader) wsflate.Decompressor {
		return flate.NewReader(r)
	})
})

// Compress returns the deflated form of p with the trailing
// 0x00 0x00 0xff 0xff block marker removed.
func (c *Compression) Compress(p []byte) ([]byte, error) {
	buf := pool.Default.Get()
	defer pool.Default.Put(buf)
	writers := deflateWriters[c.level-flate.HuffmanOnly]
	w := writers.Get()
	defer writers.Put(w)

	w.Reset(buf)
	if _, err := w.Write(p); err != nil {
		return nil, errors.Wrap(err, "deflate write")
	}
	// Flush ends the message with a sync block whose marker the writer strips.
	if err := w.Flush(); err != nil {
		return nil, errors.Wrap(err, "deflate flush")
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// Decompress inflates p. A limit above zero bounds the inflated size.
func (c *Compression) Decompress(p []byte, limit int64) ([]byte, error) {
	r := deflateReaders.Get()
	defer deflateReaders.Put(r)
	r.Reset(bytes.NewReader(p))

	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(src)
	if err != nil {
		return nil, &api.ProtocolError{Code: api.CloseInvalidPayloadData, Reason: "inflate failed: " + err.Error()}
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, &api.ProtocolError{Code: api.CloseMessageTooBig, Reason: "inflated message too large"}
	}
	return out, nil
}

// deflateOffer renders the client's Sec-WebSocket-Extensions offer.
func deflateOffer() string {
	return writeOptions([]httphead.Option{deflateParameters.Option()})
}

// negotiateDeflate picks the first acceptable permessage-deflate offer from
// a client's Sec-WebSocket-Extensions header and renders the response value.
func negotiateDeflate(header string) (string, bool) {
	if strings.TrimSpace(header) == "" {
		return "", false
	}
	opts, ok := httphead.ParseOptions([]byte(header), nil)
	if !ok {
		return "", false
	}
	ext := wsflate.Extension{Parameters: deflateParameters}
	for _, opt := range opts {
		accept, err := ext.Negotiate(opt)
		if err != nil {
			// A malformed offer is declined rather than failing the upgrade.
			continue
		}
		// The response always pins no_context_takeover in both directions.
		if _, accepted := ext.Accepted(); accepted {
			return writeOptions([]httphead.Option{accept}), true
		}
	}
	return "", false
}

// acceptDeflate validates a server's Sec-WebSocket-Extensions response.
// It reports whether permessage-deflate is active.
func acceptDeflate(header string, offered bool) (bool, error) {
	if strings.TrimSpace(header) == "" {
		return false, nil
	}
	opts, ok := httphead.ParseOptions([]byte(header), nil)
	if !ok {
		return false, errors.New("malformed Sec-WebSocket-Extensions response")
	}
	active := false
	for _, opt := range opts {
		if string(opt.Name) != wsflate.ExtensionName {
			return false, errors.Errorf("server selected unoffered extension %q", opt.Name)
		}
		if !offered || active {
			return false, errors.New("server selected permessage-deflate more than once or without an offer")
		}
		var params wsflate.Parameters
		if err := params.Parse(opt); err != nil {
			return false, errors.Wrap(err, "permessage-deflate parameters")
		}
		// Inbound messages are inflated one at a time with a fresh window.
		if !params.ServerNoContextTakeover {
			return false, errors.New("server kept its compression context; server_no_context_takeover is required")
		}
		active = true
	}
	return active, nil
}

func writeOptions(opts []httphead.Option) string {
	var sb strings.Builder
	_, _ = httphead.WriteOptions(&sb, opts)
	return sb.String()
}
