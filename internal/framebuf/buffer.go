// Package framebuf provides the single-slot shared frame buffer that
// decouples the camera ingestion rate from the outbound media rate.
// The writer always wins; readers only ever need the most recent picture.
package framebuf

import (
	"image"
	"image/draw"
	"sync"
)

// Buffer is a mutex-guarded most-recent-frame cell. One ingestion
// session writes, the media feed loop reads. Frames are copied on both
// sides so neither party can observe a half-written picture.
type Buffer struct {
	mu       sync.Mutex
	frame    *image.RGBA
	hasFrame bool
	finished bool
}

func New() *Buffer {
	return &Buffer{}
}

// Update replaces the stored frame, reallocating backing storage when
// the new frame's bounds differ. Last write wins; never blocks on readers.
func (b *Buffer) Update(frame *image.RGBA) {
	if frame == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frame == nil || !b.frame.Bounds().Eq(frame.Bounds()) {
		b.frame = image.NewRGBA(frame.Bounds())
	}
	draw.Draw(b.frame, b.frame.Bounds(), frame, frame.Bounds().Min, draw.Src)
	b.hasFrame = true
}

// Latest returns a defensive copy of the current frame, or nil if no
// frame has ever been written.
func (b *Buffer) Latest() *image.RGBA {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasFrame {
		return nil
	}
	out := image.NewRGBA(b.frame.Bounds())
	copy(out.Pix, b.frame.Pix)
	return out
}

// Finish marks the buffer terminal: no further frames will arrive and
// readers must stop polling.
func (b *Buffer) Finish() {
	b.mu.Lock()
	b.finished = true
	b.mu.Unlock()
}

func (b *Buffer) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}
