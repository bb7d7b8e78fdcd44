package ws

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFrameLengthForms(t *testing.T) {
	tests := []struct {
		size      int
		headerLen int
	}{
		{0, 2},
		{125, 2},     // 7 位形式的上界
		{126, 4},     // 16 位形式的下界
		{65535, 4},   // 16 位形式的上界
		{65536, 10},  // 64 位形式的下界
		{1 << 17, 10},
	}
	for _, tt := range tests {
		payload := bytes.Repeat([]byte{0x5A}, tt.size)
		frame := BuildFrame(OpBinary, payload, true)
		require.Len(t, frame, tt.headerLen+tt.size, "size=%d", tt.size)
		assert.Equal(t, byte(0x80|OpBinary), frame[0])
		switch tt.headerLen {
		case 2:
			assert.Equal(t, byte(tt.size), frame[1])
		case 4:
			assert.Equal(t, byte(126), frame[1])
			assert.Equal(t, uint16(tt.size), binary.BigEndian.Uint16(frame[2:4]))
		case 10:
			assert.Equal(t, byte(127), frame[1])
			assert.Equal(t, uint64(tt.size), binary.BigEndian.Uint64(frame[2:10]))
		}
	}
}

func TestBuildFrameNoFIN(t *testing.T) {
	frame := BuildFrame(OpText, []byte("x"), false)
	assert.Equal(t, byte(OpText), frame[0])
}

func TestDecodeFrameRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 125, 126, 65535, 65536} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		buf := BuildFrame(OpText, payload, true)
		f, consumed, ok := DecodeFrame(buf)
		require.True(t, ok, "size=%d", size)
		assert.Equal(t, len(buf), consumed)
		assert.True(t, f.FIN)
		assert.Equal(t, uint8(OpText), f.Opcode)
		assert.False(t, f.Masked)
		assert.True(t, bytes.Equal(payload, f.Payload), "size=%d", size)
	}
}

// maskFrame 把服务端帧改造成客户端帧：置掩码位并套上掩码键
func maskFrame(frame []byte, key [4]byte) []byte {
	f, _, ok := DecodeFrame(frame)
	if !ok {
		panic("bad frame")
	}
	headerLen := len(frame) - len(f.Payload)
	out := make([]byte, 0, len(frame)+4)
	out = append(out, frame[:headerLen]...)
	out[1] |= 0x80
	out = append(out, key[:]...)
	for i, b := range f.Payload {
		out = append(out, b^key[i%4])
	}
	return out
}

func TestDecodeMaskedFrame(t *testing.T) {
	payload := []byte("Hello, 世界")
	masked := maskFrame(BuildFrame(OpText, payload, true), [4]byte{0xA1, 0xB2, 0xC3, 0xD4})
	f, consumed, ok := DecodeFrame(masked)
	require.True(t, ok)
	assert.Equal(t, len(masked), consumed)
	assert.True(t, f.Masked)
	assert.Equal(t, payload, f.Payload)
}

func TestDecodeFrameIncomplete(t *testing.T) {
	frame := BuildFrame(OpBinary, []byte("abcdef"), true)
	for cut := 0; cut < len(frame); cut++ {
		_, consumed, ok := DecodeFrame(frame[:cut])
		assert.False(t, ok, "cut=%d", cut)
		assert.Equal(t, 0, consumed)
	}
}

func TestDecodeFrameOversizeLength(t *testing.T) {
	var buf [10]byte
	buf[0] = 0x80 | OpBinary
	buf[1] = 127
	binary.BigEndian.PutUint64(buf[2:10], 1<<63)
	_, consumed, ok := DecodeFrame(buf[:])
	assert.False(t, ok)
	assert.Equal(t, -1, consumed)
}
