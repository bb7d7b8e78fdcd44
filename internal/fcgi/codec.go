package fcgi

import "encoding/binary"

// FastCGI 记录类型
const (
	TypeBeginRequest    = 1
	TypeAbortRequest    = 2
	TypeEndRequest      = 3
	TypeParams          = 4
	TypeStdin           = 5
	TypeStdout          = 6
	TypeStderr          = 7
	TypeData            = 8
	TypeGetValues       = 9
	TypeGetValuesResult = 10
	TypeUnknownType     = 11
)

// 角色
const (
	RoleResponder  = 1
	RoleAuthorizer = 2
	RoleFilter     = 3
)

// BEGIN_REQUEST 标志位
const FlagKeepConn = 1

// 协议状态
const (
	StatusRequestComplete = 0
	StatusCantMpxConn     = 1
	StatusOverloaded      = 2
	StatusUnknownRole     = 3
)

// Version1 唯一支持的协议版本
const Version1 = 1

// HeaderSize 记录头固定 8 字节
const HeaderSize = 8

// maxContentLen 单条记录内容上限
const maxContentLen = 0xFFFF

// Header FastCGI 记录头
type Header struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// ParseHeader 解析 8 字节记录头，多字节字段为大端
func ParseHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	return Header{
		Version:       buf[0],
		Type:          buf[1],
		RequestID:     binary.BigEndian.Uint16(buf[2:4]),
		ContentLength: binary.BigEndian.Uint16(buf[4:6]),
		PaddingLength: buf[6],
		Reserved:      buf[7],
	}, true
}

// AppendRecord 追加一条记录，输出填充恒为 0
func AppendRecord(out []byte, typ uint8, reqID uint16, content []byte) []byte {
	var h [HeaderSize]byte
	h[0] = Version1
	h[1] = typ
	binary.BigEndian.PutUint16(h[2:4], reqID)
	binary.BigEndian.PutUint16(h[4:6], uint16(len(content)))
	out = append(out, h[:]...)
	return append(out, content...)
}

// AppendStdout 把净荷切成至多 65535 字节的 STDOUT 记录，
// 末尾追加空记录表示流结束
func AppendStdout(out []byte, reqID uint16, payload []byte) []byte {
	for len(payload) > 0 {
		chunk := len(payload)
		if chunk > maxContentLen {
			chunk = maxContentLen
		}
		out = AppendRecord(out, TypeStdout, reqID, payload[:chunk])
		payload = payload[chunk:]
	}
	return AppendRecord(out, TypeStdout, reqID, nil)
}

// AppendEndRequest 追加 END_REQUEST 记录
func AppendEndRequest(out []byte, reqID uint16, appStatus uint32, protoStatus uint8) []byte {
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], appStatus)
	body[4] = protoStatus
	return AppendRecord(out, TypeEndRequest, reqID, body[:])
}

// decodeLength 解码名值对长度：首字节高位为 0 时取 1 字节值，
// 否则去掉高位后取 4 字节大端值。返回 (值, 新偏移, ok)。
func decodeLength(buf []byte, pos int) (int, int, bool) {
	if pos >= len(buf) {
		return 0, pos, false
	}
	b := buf[pos]
	if b&0x80 == 0 {
		return int(b), pos + 1, true
	}
	if len(buf)-pos < 4 {
		return 0, len(buf), false
	}
	v := int(b&0x7F)<<24 | int(buf[pos+1])<<16 | int(buf[pos+2])<<8 | int(buf[pos+3])
	return v, pos + 4, true
}

// EncodeNameValue 编码一个名值对：长度 <128 用 1 字节形式，
// 否则 4 字节大端置最高位
func EncodeNameValue(out []byte, name, value string) []byte {
	out = appendLength(out, len(name))
	out = appendLength(out, len(value))
	out = append(out, name...)
	return append(out, value...)
}

func appendLength(out []byte, n int) []byte {
	if n < 128 {
		return append(out, byte(n))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n)|1<<31)
	return append(out, b[:]...)
}
