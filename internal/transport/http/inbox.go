package http

import (
	"context"
	"sync"

	"snakkaz-e2ee/internal/channel"
)

// Inbox buffers decrypted messages until the UI drains them. When full, the
// oldest message is discarded.
type Inbox struct {
	mu      sync.Mutex
	buf     []channel.Message
	size    int
	dropped uint64
	notify  chan struct{}
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = 256
	}
	return &Inbox{size: size, notify: make(chan struct{})}
}

// Push is suitable as a channel.WithMessageHandler callback.
func (in *Inbox) Push(msg channel.Message) {
	in.mu.Lock()
	if len(in.buf) == in.size {
		in.buf = in.buf[1:]
		in.dropped++
	}
	in.buf = append(in.buf, msg)
	close(in.notify)
	in.notify = make(chan struct{})
	in.mu.Unlock()
}

// Drain removes and returns up to limit messages, oldest first. limit <= 0
// drains everything.
func (in *Inbox) Drain(limit int) []channel.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := len(in.buf)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]channel.Message, n)
	copy(out, in.buf[:n])
	in.buf = in.buf[n:]
	return out
}

// Wait blocks until the inbox is non-empty or ctx is done.
func (in *Inbox) Wait(ctx context.Context) error {
	for {
		in.mu.Lock()
		n, ch := len(in.buf), in.notify
		in.mu.Unlock()
		if n > 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.buf)
}

func (in *Inbox) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}
