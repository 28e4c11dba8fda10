package chat

import "sync"

// MessageBuffer stores the most recent messages per conversation in memory.
// It is goroutine-safe and uses a ring buffer per conversation.
type MessageBuffer struct {
	mu       sync.RWMutex
	capacity int                   // per conversation; 0 = unbounded
	buffers  map[int64]*ringBuffer // relation id -> ring buffer
}

// ringBuffer is a circular buffer of Message. With capacity 0 it degrades to
// a plain append-only slice.
type ringBuffer struct {
	items []Message
	pos   int
	count int
}

// NewMessageBuffer creates an empty MessageBuffer keeping at most capacity
// messages per conversation. A capacity of 0 keeps everything.
func NewMessageBuffer(capacity int) *MessageBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &MessageBuffer{
		capacity: capacity,
		buffers:  make(map[int64]*ringBuffer),
	}
}

// Add appends a message to the conversation's buffer. If the buffer is full,
// the oldest message is overwritten.
func (mb *MessageBuffer) Add(conversation int64, msg Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[conversation]
	if !ok {
		rb = &ringBuffer{}
		if mb.capacity > 0 {
			rb.items = make([]Message, mb.capacity)
		}
		mb.buffers[conversation] = rb
	}

	if mb.capacity == 0 {
		rb.items = append(rb.items, msg)
		rb.count++
		return
	}
	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % mb.capacity
	if rb.count < mb.capacity {
		rb.count++
	}
}

// Get returns the conversation's messages in append order (oldest first).
// Returns an empty slice if the conversation has no buffer.
func (mb *MessageBuffer) Get(conversation int64) []Message {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[conversation]
	if !ok {
		return []Message{}
	}

	result := make([]Message, rb.count)
	if mb.capacity == 0 {
		copy(result, rb.items)
		return result
	}
	// The oldest message is at position (pos - count) mod capacity.
	start := (rb.pos - rb.count + mb.capacity) % mb.capacity
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%mb.capacity]
	}
	return result
}

// Last returns the newest message of a conversation.
func (mb *MessageBuffer) Last(conversation int64) (Message, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	rb, ok := mb.buffers[conversation]
	if !ok || rb.count == 0 {
		return Message{}, false
	}
	if mb.capacity == 0 {
		return rb.items[len(rb.items)-1], true
	}
	return rb.items[(rb.pos-1+mb.capacity)%mb.capacity], true
}

// Remove deletes the buffer for a conversation.
func (mb *MessageBuffer) Remove(conversation int64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, conversation)
}

// Reset deletes every buffer.
func (mb *MessageBuffer) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.buffers = make(map[int64]*ringBuffer)
}
