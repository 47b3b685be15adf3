package overlay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Channel names written as a one-line header at the start of each yamux
// stream so the relay can dispatch it.
const (
	ChannelTerminal = "terminal"
	ChannelExec     = "exec"
)

// Frame type markers. Every frame is [type][uvarint length][payload].
const (
	frameData    byte = 0x01 // raw terminal bytes
	frameControl byte = 0x02 // JSON control message
)

// maxFrameLen bounds a single frame payload.
const maxFrameLen = 1 << 20

// Control message types.
const (
	controlResize = "resize"
	controlExit   = "exit"
	controlError  = "error"
)

// initHeader is sent as one JSON line after the channel header of a terminal
// stream.
type initHeader struct {
	Term string `json:"term"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// execRequest is sent as one JSON line after the channel header of an exec
// stream.
type execRequest struct {
	Command string `json:"command"`
}

// controlMsg is the payload of a control frame.
type controlMsg struct {
	Type    string `json:"type"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Code    int    `json:"code,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeFrame(w io.Writer, typ byte, payload []byte) error {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = typ
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	copy(buf[1+n:], payload)
	_, err := w.Write(buf[:1+n+len(payload)])
	return err
}

func writeControl(w io.Writer, msg controlMsg) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return writeFrame(w, frameControl, payload)
}

func readFrame(r *bufio.Reader) (byte, []byte, error) {
	typ, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if typ != frameData && typ != frameControl {
		return 0, nil, fmt.Errorf("unknown frame type 0x%02x", typ)
	}
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameLen {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return typ, payload, nil
}
