package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	apperrors "github.com/koopa0/system-design/mw-server/pkg/errors"
)

// HeaderSize 長度前綴大小
const HeaderSize = 4

// DefaultMaxFrameSize 預設單一訊息框上限
const DefaultMaxFrameSize = 64 * 1024

// Frame 一個完整讀入的訊息框
type Frame struct {
	Raw     []byte // 長度前綴 + payload，原樣轉發時使用
	Payload []byte // Raw[HeaderSize:]
}

// EncodeFrame 編碼並加上 4 位元組大端序長度前綴
func EncodeFrame(m Message) []byte {
	return FramePayload(Encode(m))
}

// FramePayload 為既有 payload 加上長度前綴
func FramePayload(payload []byte) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

// FrameReader 從串流讀取長度前綴訊息框
type FrameReader struct {
	r       io.Reader
	maxSize int
}

// NewFrameReader 創建讀取器，maxSize <= 0 時使用 DefaultMaxFrameSize
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame 阻塞直到讀滿宣告的長度
//
// 前綴或內容讀取中途斷線（含 EOF）一律返回 ErrDisconnected。
func (fr *FrameReader) ReadFrame() (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return Frame{}, apperrors.Wrap(err, apperrors.ErrCodeDisconnected, "read frame header")
	}

	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(fr.maxSize) {
		return Frame{}, apperrors.ErrFrameTooLarge.WithDetails(fmt.Sprintf("declared %d, max %d", n, fr.maxSize))
	}

	raw := make([]byte, HeaderSize+int(n))
	copy(raw, header[:])
	if _, err := io.ReadFull(fr.r, raw[HeaderSize:]); err != nil {
		return Frame{}, apperrors.Wrap(err, apperrors.ErrCodeDisconnected, "read frame body")
	}

	return Frame{Raw: raw, Payload: raw[HeaderSize:]}, nil
}

// Decode 解碼訊息框內容
func (f Frame) Decode() (Message, error) {
	return Decode(f.Payload)
}
