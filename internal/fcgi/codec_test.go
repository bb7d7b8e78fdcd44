package fcgi

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeader(t *testing.T) {
	raw := []byte{1, TypeBeginRequest, 0x00, 0x01, 0x00, 0x08, 0x00, 0x00}
	h, ok := ParseHeader(raw)
	require.True(t, ok)
	assert.Equal(t, uint8(1), h.Version)
	assert.Equal(t, uint8(TypeBeginRequest), h.Type)
	assert.Equal(t, uint16(1), h.RequestID)
	assert.Equal(t, uint16(8), h.ContentLength)
	assert.Equal(t, uint8(0), h.PaddingLength)

	_, ok = ParseHeader(raw[:7])
	assert.False(t, ok)
}

func TestAppendRecordLayout(t *testing.T) {
	out := AppendRecord(nil, TypeStdout, 0x0102, []byte("abc"))
	require.Len(t, out, HeaderSize+3)
	assert.Equal(t, byte(Version1), out[0])
	assert.Equal(t, byte(TypeStdout), out[1])
	assert.Equal(t, uint16(0x0102), binary.BigEndian.Uint16(out[2:4]))
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(out[4:6]))
	assert.Equal(t, byte(0), out[6]) // 输出填充恒为 0
	assert.Equal(t, []byte("abc"), out[8:])
}

// decodeStdout 把 STDOUT 记录流还原成净荷，遇到空记录停止
func decodeStdout(t *testing.T, buf []byte, wantID uint16) []byte {
	var payload []byte
	for len(buf) > 0 {
		h, ok := ParseHeader(buf)
		require.True(t, ok)
		require.Equal(t, uint8(TypeStdout), h.Type)
		require.Equal(t, wantID, h.RequestID)
		content := buf[HeaderSize : HeaderSize+int(h.ContentLength)]
		buf = buf[HeaderSize+int(h.ContentLength)+int(h.PaddingLength):]
		if h.ContentLength == 0 {
			require.Empty(t, buf)
			break
		}
		payload = append(payload, content...)
	}
	return payload
}

func TestStdoutRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 100, 65535, 65536, 1 << 20} {
		payload := bytes.Repeat([]byte{0xAB}, size)
		for i := range payload {
			payload[i] = byte(i)
		}
		out := AppendStdout(nil, 7, payload)

		// 记录边界落在 65535 的倍数上，末尾是空记录
		h, ok := ParseHeader(out)
		require.True(t, ok)
		if size >= 65535 {
			assert.Equal(t, uint16(65535), h.ContentLength)
		} else {
			assert.Equal(t, uint16(size), h.ContentLength)
		}
		got := decodeStdout(t, out, 7)
		assert.Equal(t, len(payload), len(got), "size=%d", size)
		assert.True(t, bytes.Equal(payload, got), "size=%d", size)
	}
}

func TestAppendEndRequestLayout(t *testing.T) {
	out := AppendEndRequest(nil, 3, 0x01020304, StatusOverloaded)
	require.Len(t, out, HeaderSize+8)
	h, _ := ParseHeader(out)
	assert.Equal(t, uint8(TypeEndRequest), h.Type)
	assert.Equal(t, uint16(8), h.ContentLength)
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(out[8:12]))
	assert.Equal(t, byte(StatusOverloaded), out[12])
}

func TestNameValueLengthBoundaries(t *testing.T) {
	// 127 用 1 字节形式
	out := appendLength(nil, 127)
	require.Len(t, out, 1)
	assert.Equal(t, byte(127), out[0])

	// 128 用 4 字节形式，最高位置位
	out = appendLength(nil, 128)
	require.Len(t, out, 4)
	assert.Equal(t, byte(0x80), out[0]&0x80)
	assert.Equal(t, uint32(128), binary.BigEndian.Uint32(out)&0x7FFFFFFF)

	// 最大值 2^31-1
	out = appendLength(nil, 1<<31-1)
	v, pos, ok := decodeLength(out, 0)
	require.True(t, ok)
	assert.Equal(t, 1<<31-1, v)
	assert.Equal(t, 4, pos)
}

func TestDecodeLengthTruncated(t *testing.T) {
	_, _, ok := decodeLength(nil, 0)
	assert.False(t, ok)

	// 4 字节形式数据不足
	_, _, ok = decodeLength([]byte{0x80, 0x01}, 0)
	assert.False(t, ok)
}

func TestNameValueRoundTrip(t *testing.T) {
	long := string(bytes.Repeat([]byte("x"), 300))
	pairs := map[string]string{
		"SHORT":         "v",
		"QUERY_STRING":  "",
		long:            "value-of-long-key",
		"CONTENT_TYPE":  "application/json",
		"LONG_VALUE_KEY": long,
	}
	var buf []byte
	for k, v := range pairs {
		buf = EncodeNameValue(buf, k, v)
	}

	got := make(map[string]string)
	pos := 0
	for pos < len(buf) {
		nameLen, p, ok := decodeLength(buf, pos)
		require.True(t, ok)
		valueLen, p2, ok := decodeLength(buf, p)
		require.True(t, ok)
		pos = p2
		got[string(buf[pos:pos+nameLen])] = string(buf[pos+nameLen : pos+nameLen+valueLen])
		pos += nameLen + valueLen
	}
	assert.Equal(t, pairs, got)
}
