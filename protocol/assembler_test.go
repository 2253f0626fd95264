package protocol

import (
	"bytes"
	"compress/flate"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-wshost/api"
)

func TestFragmentReassembleProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, n := range []int{0, 1, 2, 7, 125, 126, 1000, 4096} {
		for _, c := range []int{1, 2, 3, 64, 1000, 5000} {
			t.Run(fmt.Sprintf("n=%d/c=%d", n, c), func(t *testing.T) {
				payload := make([]byte, n)
				r.Read(payload)

				frames := Fragment(OpBinary, payload, c)
				require.NotEmpty(t, frames)
				assert.Equal(t, OpBinary, frames[0].Opcode)
				assert.True(t, frames[len(frames)-1].Fin)

				a := NewAssembler(AssemblerConfig{})
				var got []*Message
				for _, f := range frames {
					assert.LessOrEqual(t, len(f.Payload), c)
					m, err := a.Push(f)
					require.NoError(t, err)
					if m != nil {
						got = append(got, m)
					}
				}
				require.Len(t, got, 1)
				assert.True(t, bytes.Equal(payload, got[0].Bytes()))
				assert.False(t, a.InProgress())
			})
		}
	}
}

func TestAssemblerControlFramesInterleave(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})

	m, err := a.Push(&Frame{Opcode: OpText, Payload: []byte("hel")})
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = a.Push(NewFrame(OpPing, []byte("p")))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, OpPing, m.Opcode)
	assert.True(t, a.InProgress())

	m, err = a.Push(&Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("lo")})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.IsText())
	assert.Equal(t, "hello", m.Text())
}

func TestAssemblerSequenceErrors(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	_, err := a.Push(&Frame{Fin: true, Opcode: OpContinuation})
	requireProtocolError(t, err, api.CloseProtocolError)

	a = NewAssembler(AssemblerConfig{})
	_, err = a.Push(&Frame{Opcode: OpBinary, Payload: []byte{1}})
	require.NoError(t, err)
	_, err = a.Push(NewFrame(OpText, []byte("x")))
	requireProtocolError(t, err, api.CloseProtocolError)

	a = NewAssembler(AssemblerConfig{})
	_, err = a.Push(&Frame{Fin: true, Rsv1: true, Opcode: OpText})
	requireProtocolError(t, err, api.CloseProtocolError)
}

func TestAssemblerRejectsInvalidUTF8(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	_, err := a.Push(NewFrame(OpText, []byte{0xff, 0xfe}))
	requireProtocolError(t, err, api.CloseInvalidPayloadData)

	m, err := a.Push(NewFrame(OpBinary, []byte{0xff, 0xfe}))
	require.NoError(t, err)
	assert.Equal(t, "", m.Text())
}

func TestAssemblerMessageSizeLimit(t *testing.T) {
	a := NewAssembler(AssemblerConfig{MaxMessageSize: 10})
	_, err := a.Push(&Frame{Opcode: OpBinary, Payload: make([]byte, 6)})
	require.NoError(t, err)
	_, err = a.Push(&Frame{Fin: true, Opcode: OpContinuation, Payload: make([]byte, 6)})
	requireProtocolError(t, err, api.CloseMessageTooBig)
	assert.False(t, a.InProgress())
}

func TestAssemblerInflatesCompressedMessages(t *testing.T) {
	comp := NewCompression(flate.BestSpeed)
	text := bytes.Repeat([]byte("compress me please "), 64)
	z, err := comp.Compress(text)
	require.NoError(t, err)
	assert.Less(t, len(z), len(text))

	a := NewAssembler(AssemblerConfig{Compression: comp})
	frames := Fragment(OpText, z, 16)
	frames[0].Rsv1 = true
	var msg *Message
	for _, f := range frames {
		m, err := a.Push(f)
		require.NoError(t, err)
		if m != nil {
			msg = m
		}
	}
	require.NotNil(t, msg)
	assert.Equal(t, string(text), msg.Text())
}

func TestMessageDecodeJSON(t *testing.T) {
	m := NewMessage(OpText, []byte(`{"name":"x","n":3}`))
	var v struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	require.NoError(t, m.Decode(&v))
	assert.Equal(t, "x", v.Name)
	assert.Equal(t, 3, v.N)
	assert.Equal(t, 18, m.Len())
}
