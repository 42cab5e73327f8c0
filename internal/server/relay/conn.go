package relay

import "context"

const (
	FrameProgress = "progress"
	FrameSuccess  = "success"
	FrameError    = "error"
)

// Frame is a JSON message sent to the client.
type Frame struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Conn is the client side of a relay: an ordered stream of binary chunks in,
// JSON frames out.
type Conn interface {
	// ReadChunk blocks for the next binary chunk. It must return promptly
	// once ctx is done.
	ReadChunk(ctx context.Context) ([]byte, error)
	Send(f Frame) error
	// Close ends the connection with a normal closure carrying reason.
	Close(reason string) error
}

func progressFrame(sent, total int64) Frame {
	pct := 100
	if total > 0 {
		pct = int(sent * 100 / total)
	}
	return Frame{Type: FrameProgress, Value: pct}
}
