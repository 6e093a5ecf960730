package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/freitascorp/agentrelay/pkg/protocol"
)

// DefaultBufferSize bounds the per-session replay window.
const DefaultBufferSize = 500

// BufferEntry is one recorded server event with its replay id.
type BufferEntry struct {
	ID   string                `json:"id"`
	Data *protocol.ServerEvent `json:"data"`
}

// MessageBuffer is a bounded FIFO of server events used for reconnect
// replay. Ids are opaque and comparable for equality only; once an entry is
// evicted it is unrecoverable and any GetAfter referencing it returns empty.
type MessageBuffer struct {
	mu      sync.Mutex
	entries []*BufferEntry
	maxSize int
	dropped int64
}

// NewMessageBuffer creates a buffer holding at most maxSize entries.
func NewMessageBuffer(maxSize int) *MessageBuffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &MessageBuffer{
		entries: make([]*BufferEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Push appends an event, evicting from the front at capacity, and returns
// the freshly minted entry id.
func (b *MessageBuffer) Push(data *protocol.ServerEvent) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	if len(b.entries) >= b.maxSize {
		b.entries = b.entries[1:]
		b.dropped++
	}
	b.entries = append(b.entries, &BufferEntry{ID: id, Data: data})
	return id
}

// GetAll returns a snapshot of the buffered entries in FIFO order.
func (b *MessageBuffer) GetAll() []*BufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*BufferEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// GetAfter returns the entries strictly after the one with the given id.
// Unknown or evicted ids yield an empty slice.
func (b *MessageBuffer) GetAfter(id string) []*BufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.entries {
		if e.ID == id {
			out := make([]*BufferEntry, len(b.entries)-i-1)
			copy(out, b.entries[i+1:])
			return out
		}
	}
	return nil
}

// Size returns the number of buffered entries.
func (b *MessageBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns the count of entries evicted at capacity.
func (b *MessageBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
