package source

import (
	"sync"
	"time"
)

// Frame is one decoded camera image. Data holds the JPEG bytes.
type Frame struct {
	CameraID  string
	Data      []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// Buffer is a single-slot mailbox holding the most recent frame.
//
// The producer overwrites the slot on every frame and is never blocked
// by readers. Readers receive a copy, so the slices handed out stay
// valid after the producer moves on. Only the newest frame is retained;
// anything unread when the next frame lands is dropped.
type Buffer struct {
	mu    sync.RWMutex
	frame *Frame
	seq   uint64
}

// NewBuffer returns an empty mailbox.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Put installs f as the latest frame, assigning it the next sequence
// number. The buffer takes ownership of f and its Data slice.
func (b *Buffer) Put(f *Frame) {
	b.mu.Lock()
	b.seq++
	f.Seq = b.seq
	b.frame = f
	b.mu.Unlock()
}

// Latest returns a copy of the most recent frame, or nil when no frame
// has arrived yet.
func (b *Buffer) Latest() *Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.frame == nil {
		return nil
	}
	cp := *b.frame
	cp.Data = make([]byte, len(b.frame.Data))
	copy(cp.Data, b.frame.Data)
	return &cp
}

// Seq returns the sequence number of the most recent frame, 0 when the
// buffer is empty. Pollers compare it against the Seq of the frame they
// already hold to detect arrivals without copying.
func (b *Buffer) Seq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Clear drops the held frame. Used when a source is stopped so late
// readers cannot observe stale imagery.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.frame = nil
	b.mu.Unlock()
}
