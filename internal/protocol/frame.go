package protocol

import (
	"fmt"
	"sync"
)

type FrameType string

const (
	FrameTypeOpen    FrameType = "open"
	FrameTypeOpenAck FrameType = "open-ack"
	FrameTypePing    FrameType = "ping"
	FrameTypeClose   FrameType = "close"
	FrameTypeError   FrameType = "err"
)

// ErrorSessionGone is carried in an error frame when the server no longer
// tracks the session, typically because the reaper evicted it.
const ErrorSessionGone = "session no longer valid"

// Frame is the JSON control frame exchanged on a tunnel websocket. Payload
// bytes travel separately as binary messages (see EncodeDataFrame).
type Frame struct {
	Type      FrameType `json:"type"`
	Ref       string    `json:"ref,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Error     string    `json:"error,omitempty"`
}

const maxPooledFrameSize = 1024 * 1024

var dataFramePool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 64*1024)
	},
}

// EncodeDataFrame prefixes payload with the session identifier and returns a
// freshly allocated frame safe to retain.
func EncodeDataFrame(sessionID string, payload []byte) ([]byte, error) {
	buf, release, err := EncodeDataFramePooled(sessionID, payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	release()
	return out, nil
}

// EncodeDataFramePooled encodes the session identifier and payload using a
// pooled backing buffer. The caller MUST invoke the returned release
// function exactly once after the slice is no longer needed.
func EncodeDataFramePooled(sessionID string, payload []byte) ([]byte, func(), error) {
	idLen := len(sessionID)
	if idLen == 0 || idLen > 255 {
		return nil, nil, fmt.Errorf("invalid session id length %d", idLen)
	}
	total := 1 + idLen + len(payload)
	buf := borrowFrameBuffer(total)
	frame := buf[:total]
	frame[0] = byte(idLen)
	copy(frame[1:1+idLen], sessionID)
	copy(frame[1+idLen:], payload)
	release := func() {
		releaseFrameBuffer(buf)
	}
	return frame, release, nil
}

// DecodeDataFrame splits a binary tunnel message into its session identifier
// and payload. The payload aliases the input slice.
func DecodeDataFrame(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("data frame missing session id length")
	}
	idLen := int(data[0])
	if idLen == 0 {
		return "", nil, fmt.Errorf("data frame has zero-length session id")
	}
	if len(data) < 1+idLen {
		return "", nil, fmt.Errorf("data frame too short for session id: have %d need %d", len(data), 1+idLen)
	}
	return string(data[1 : 1+idLen]), data[1+idLen:], nil
}

func borrowFrameBuffer(size int) []byte {
	buf := dataFramePool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func releaseFrameBuffer(buf []byte) {
	if buf == nil {
		return
	}
	if cap(buf) > maxPooledFrameSize {
		return
	}
	dataFramePool.Put(buf[:0])
}
