package ingest

import "context"

// frameQueue is the bounded backpressure buffer between the socket read
// loop and the processing loop. When full, the oldest frame is evicted
// to admit the new one: recency beats completeness for live video.
type frameQueue struct {
	ch chan []byte
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{ch: make(chan []byte, capacity)}
}

// push enqueues without blocking and reports whether an older frame was
// dropped to make room.
func (q *frameQueue) push(frame []byte) bool {
	dropped := false
	for {
		select {
		case q.ch <- frame:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped = true
		default:
		}
	}
}

// pop blocks until a frame is available or ctx is cancelled.
func (q *frameQueue) pop(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-q.ch:
		return frame, nil
	}
}
