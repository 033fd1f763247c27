package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// PacketType 帧头中的 1 字节类型码
type PacketType uint8

const (
	PacketMeta      PacketType = 0
	PacketGameState PacketType = 1
	PacketError     PacketType = 2
	PacketSession   PacketType = 3
	PacketMovement  PacketType = 4
	PacketChat      PacketType = 5
	PacketUnknown   PacketType = 255
)

// HeaderSize 类型(1) + 大端长度(4)
const HeaderSize = 5

// ErrIncompleteFrame 缓冲区字节不足一帧：调用方应等待更多数据，而不是视为损坏
var ErrIncompleteFrame = errors.New("protocol: incomplete frame")

// FormatError 帧格式错误（未知类型码、非法 UTF-8、超长等）
type FormatError struct {
	Code   uint8
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("protocol: malformed frame (type=%d): %s", e.Code, e.Reason)
}

// UnknownType 是否仅仅是类型码未知（帧本身完整，可替换为 UNKNOWN 后丢弃）
func (e *FormatError) UnknownType() bool {
	return e.Reason == reasonUnknownType
}

const reasonUnknownType = "unknown packet type"

func (t PacketType) Valid() bool {
	switch t {
	case PacketMeta, PacketGameState, PacketError, PacketSession, PacketMovement, PacketChat, PacketUnknown:
		return true
	}
	return false
}

func (t PacketType) String() string {
	switch t {
	case PacketMeta:
		return "META"
	case PacketGameState:
		return "GAMESTATE"
	case PacketError:
		return "ERROR"
	case PacketSession:
		return "SESSION"
	case PacketMovement:
		return "MOVEMENT"
	case PacketChat:
		return "CHAT"
	case PacketUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Packet 线上一帧消息；构造后不可变
type Packet struct {
	Type    PacketType
	Payload []byte
}

// NewPacket 复制 payload，保证 Packet 不与调用方缓冲区共享
func NewPacket(t PacketType, payload []byte) Packet {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Packet{Type: t, Payload: p}
}

// TextPacket 以字符串构造 Packet（通常是 JSON）
func TextPacket(t PacketType, payload string) Packet {
	return Packet{Type: t, Payload: []byte(payload)}
}

func (p Packet) String() string {
	return fmt.Sprintf("%s(%d bytes)", p.Type, len(p.Payload))
}

// Encode 按 [type][len BE u32][payload] 编码
func Encode(p Packet) ([]byte, error) {
	if !p.Type.Valid() {
		return nil, &FormatError{Code: uint8(p.Type), Reason: reasonUnknownType}
	}
	if uint64(len(p.Payload)) > math.MaxUint32 {
		return nil, &FormatError{Code: uint8(p.Type), Reason: "payload exceeds 4GiB"}
	}
	if !utf8.Valid(p.Payload) {
		return nil, &FormatError{Code: uint8(p.Type), Reason: "payload is not valid UTF-8"}
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// Decode 从 b 的开头解出一帧，返回消耗的字节数。
// 字节不足时返回 ErrIncompleteFrame 且 n == 0。
// 未知类型码时仍返回完整帧的 n，Packet.Type 为 PacketUnknown，err 为 *FormatError。
func Decode(b []byte) (Packet, int, error) {
	return decode(b, 0)
}

func decode(b []byte, maxPayload uint32) (Packet, int, error) {
	if len(b) < HeaderSize {
		return Packet{}, 0, ErrIncompleteFrame
	}
	code := b[0]
	size := binary.BigEndian.Uint32(b[1:HeaderSize])
	if maxPayload > 0 && size > maxPayload {
		return Packet{}, 0, &FormatError{Code: code, Reason: fmt.Sprintf("declared length %d exceeds limit %d", size, maxPayload)}
	}
	total := uint64(HeaderSize) + uint64(size)
	if uint64(len(b)) < total {
		return Packet{}, 0, ErrIncompleteFrame
	}
	n := int(total)
	payload := b[HeaderSize:n]
	if !utf8.Valid(payload) {
		return Packet{}, n, &FormatError{Code: code, Reason: "payload is not valid UTF-8"}
	}
	t := PacketType(code)
	if !t.Valid() {
		return NewPacket(PacketUnknown, payload), n, &FormatError{Code: code, Reason: reasonUnknownType}
	}
	return NewPacket(t, payload), n, nil
}

// Decoder 面向字节流的增量解码器：一次读取可能包含半帧或多帧
type Decoder struct {
	buf        []byte
	maxPayload uint32
}

// NewDecoder maxPayload 为 0 表示不限制
func NewDecoder(maxPayload uint32) *Decoder {
	return &Decoder{maxPayload: maxPayload}
}

// Feed 追加读到的字节
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Buffered 尚未组成完整帧的字节数
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next 取出下一帧。ErrIncompleteFrame 表示需要更多字节，缓冲区保持不变。
func (d *Decoder) Next() (Packet, error) {
	p, n, err := decode(d.buf, d.maxPayload)
	if n > 0 {
		d.buf = d.buf[n:]
		if len(d.buf) == 0 {
			d.buf = nil
		}
	}
	return p, err
}
