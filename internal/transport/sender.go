package transport

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshcall/internal/util"
)

// outbox holds encoded frames written while the socket is not open.
// It is guarded by the owning Transport's mutex.
type outbox struct {
	frames [][]byte
}

func (o *outbox) push(frame []byte) {
	o.frames = append(o.frames, frame)
}

func (o *outbox) len() int {
	return len(o.frames)
}

// clear drops every queued frame and returns how many were dropped.
func (o *outbox) clear() int {
	n := len(o.frames)
	o.frames = nil
	return n
}

// flush writes queued frames in order. On the first failure the failed frame
// and everything after it stay queued, and the error is returned.
func (o *outbox) flush(write func([]byte) error) error {
	for i, frame := range o.frames {
		if err := write(frame); err != nil {
			o.frames = o.frames[i:]
			return err
		}
	}
	o.frames = nil
	return nil
}

// writeFrame performs one text-frame write with a deadline. Callers hold
// the Transport mutex, which makes it the single writer for conn.
func writeFrame(conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	util.Stats.AddSent()
	return nil
}
