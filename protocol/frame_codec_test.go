package protocol

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-wshost/api"
)

func requireProtocolError(t *testing.T, err error, code uint16) {
	t.Helper()
	var pe *api.ProtocolError
	require.True(t, errors.As(err, &pe), "want ProtocolError, got %v", err)
	assert.Equal(t, code, pe.Code)
}

func TestFrameRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 1000, 65535, 65536, 70000}
	for _, n := range sizes {
		payload := make([]byte, n)
		rand.New(rand.NewSource(int64(n))).Read(payload)
		for _, masked := range []bool{false, true} {
			in := &Frame{Fin: true, Opcode: OpBinary, Masked: masked, Payload: payload}
			if masked {
				in.MaskKey = [4]byte{0xde, 0xad, 0xbe, 0xef}
			}
			wire, err := EncodeFrame(nil, in)
			require.NoError(t, err)

			out, err := DecodeFrame(bytes.NewReader(wire), DecodeOptions{})
			require.NoError(t, err)
			assert.Equal(t, in.Fin, out.Fin)
			assert.Equal(t, in.Opcode, out.Opcode)
			assert.Equal(t, in.Masked, out.Masked)
			assert.Equal(t, in.MaskKey, out.MaskKey)
			assert.True(t, bytes.Equal(payload, out.Payload), "payload mismatch for n=%d masked=%v", n, masked)
		}
	}
}

func TestEncodeDoesNotModifyPayload(t *testing.T) {
	payload := []byte("hello")
	f := &Frame{Fin: true, Opcode: OpText, Masked: true, MaskKey: [4]byte{1, 2, 3, 4}, Payload: payload}
	_, err := EncodeFrame(nil, f)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
}

func TestMaskIsInvolutive(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		data := make([]byte, r.Intn(300))
		r.Read(data)
		var key [4]byte
		r.Read(key[:])

		buf := append([]byte(nil), data...)
		Mask(buf, key)
		Mask(buf, key)
		assert.Equal(t, data, buf)
	}
}

func TestMaskAtContinuesKeyOffset(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	whole := []byte("abcdefghij")
	split := append([]byte(nil), whole...)
	Mask(whole, key)

	pos := maskAt(split[:3], key, 0)
	maskAt(split[3:], key, pos)
	assert.Equal(t, whole, split)
}

func TestMinimalLengthEncoding(t *testing.T) {
	cases := []struct {
		n      int
		hdrLen int
		marker byte
	}{
		{0, 2, 0},
		{125, 2, 125},
		{126, 4, 126},
		{65535, 4, 126},
		{65536, 10, 127},
	}
	for _, tc := range cases {
		wire, err := EncodeFrame(nil, NewFrame(OpBinary, make([]byte, tc.n)))
		require.NoError(t, err)
		assert.Equal(t, tc.marker, wire[1]&0x7F, "length %d", tc.n)
		assert.Len(t, wire, tc.hdrLen+tc.n)
	}
}

func TestDecodeRejectsNonMinimalLengths(t *testing.T) {
	// 16-bit form carrying 5
	wire := []byte{0x82, 126, 0x00, 0x05, 1, 2, 3, 4, 5}
	_, err := DecodeFrame(bytes.NewReader(wire), DecodeOptions{})
	requireProtocolError(t, err, api.CloseProtocolError)

	// 64-bit form carrying 200
	wire = []byte{0x82, 127, 0, 0, 0, 0, 0, 0, 0, 200}
	wire = append(wire, make([]byte, 200)...)
	_, err = DecodeFrame(bytes.NewReader(wire), DecodeOptions{})
	requireProtocolError(t, err, api.CloseProtocolError)
}

func TestDecodeRejectsHighBitLength(t *testing.T) {
	wire := []byte{0x82, 127, 0x80, 0, 0, 0, 0, 0, 0, 0}
	_, err := DecodeFrame(bytes.NewReader(wire), DecodeOptions{})
	requireProtocolError(t, err, api.CloseProtocolError)
}

func TestDecodeRejectsIllegalFrames(t *testing.T) {
	cases := map[string][]byte{
		"reserved bit":      {0xC2, 0x00},
		"unknown opcode":    {0x83, 0x00},
		"fragmented ping":   {0x09, 0x00},
		"oversized control": append([]byte{0x89, 126, 0x00, 0x7E}, make([]byte, 126)...),
	}
	for name, wire := range cases {
		_, err := DecodeFrame(bytes.NewReader(wire), DecodeOptions{})
		var pe *api.ProtocolError
		assert.True(t, errors.As(err, &pe), name)
	}
}

func TestDecodeAllowsNegotiatedRsv1(t *testing.T) {
	f, err := DecodeFrame(bytes.NewReader([]byte{0xC1, 0x00}), DecodeOptions{AllowedRsv: Rsv1Bit})
	require.NoError(t, err)
	assert.True(t, f.Rsv1)
}

func TestDecodeFrameSizeLimit(t *testing.T) {
	wire, err := EncodeFrame(nil, NewFrame(OpBinary, make([]byte, 200)))
	require.NoError(t, err)
	_, err = DecodeFrame(bytes.NewReader(wire), DecodeOptions{MaxPayload: 100})
	requireProtocolError(t, err, api.CloseMessageTooBig)
}

func TestDecodeStreamErrors(t *testing.T) {
	_, err := DecodeFrame(bytes.NewReader(nil), DecodeOptions{})
	assert.Equal(t, io.EOF, err)

	_, err = DecodeFrame(bytes.NewReader([]byte{0x82, 0x05, 1, 2}), DecodeOptions{})
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestEncodeRejectsBadControlFrames(t *testing.T) {
	_, err := EncodeFrame(nil, NewFrame(OpPing, make([]byte, 126)))
	assert.Error(t, err)
	_, err = EncodeFrame(nil, &Frame{Opcode: OpClose})
	assert.Error(t, err)
}

func TestCodecMaskingDirection(t *testing.T) {
	client := &Codec{Role: RoleClient}
	server := &Codec{Role: RoleServer}

	wire, err := client.Encode(nil, NewFrame(OpText, []byte("hi")))
	require.NoError(t, err)
	assert.NotZero(t, wire[1]&MaskBit, "client frames are masked")

	f, err := server.Decode(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(f.Payload))

	wire, err = server.Encode(nil, &Frame{Fin: true, Opcode: OpText, Masked: true, Payload: []byte("yo")})
	require.NoError(t, err)
	assert.Zero(t, wire[1]&MaskBit, "server frames are never masked")

	f, err = client.Decode(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, "yo", string(f.Payload))

	// wrong directions
	_, err = server.Decode(bytes.NewReader(wire))
	requireProtocolError(t, err, api.CloseProtocolError)
	masked, err := client.Encode(nil, NewFrame(OpText, []byte("x")))
	require.NoError(t, err)
	_, err = client.Decode(bytes.NewReader(masked))
	requireProtocolError(t, err, api.CloseProtocolError)
}
