// Package buffer holds uplinks that cannot be sent yet: a Batch coalesces
// several encoded messages into one multi-message frame, and a Store keeps
// whole frames while the node is offline.
package buffer

import (
	"sensornode-go/types"
	"sensornode-go/x/ring"
)

const (
	formatPBArray = 0x00

	batchData   = 2500
	batchHeader = 250
	batchMargin = 250
	maxMessages = batchHeader - 2

	// Messages batched beyond this ask the service for a reply so it gets a
	// chance to talk back to a node that has been quiet for a while.
	replyAfter = 3
)

type batchState struct {
	lens  []byte
	used  int
	reply types.ReplyType
}

// Batch accumulates encoded messages for one transmission.
type Batch struct {
	data []byte
	batchState
	undo batchState
}

func NewBatch() *Batch {
	b := &Batch{data: make([]byte, 0, batchData)}
	b.Reset()
	return b
}

// Reset empties the batch.
func (b *Batch) Reset() {
	b.data = b.data[:0]
	b.batchState = batchState{lens: make([]byte, 0, 8)}
}

// Empty reports whether nothing has been appended.
func (b *Batch) Empty() bool { return len(b.lens) == 0 }

// Full reports whether appending anticipated more bytes would come too close
// to the end of the buffer.
func (b *Batch) Full(anticipated int) bool {
	hdr := 2 + len(b.lens)
	if anticipated != 0 {
		hdr++
	}
	return hdr+b.used+anticipated > batchData-batchMargin
}

// Append adds one encoded message. reply upgrades the reply the whole batch
// asks for.
func (b *Batch) Append(pb []byte, reply types.ReplyType) bool {
	if len(pb) > 255 || b.Full(len(pb)) || len(b.lens) >= maxMessages {
		return false
	}
	b.undo = batchState{lens: append([]byte(nil), b.lens...), used: b.used, reply: b.reply}
	b.data = append(b.data, pb...)
	b.used += len(pb)
	b.lens = append(b.lens, byte(len(pb)))
	if reply != types.ReplyNone {
		b.reply = reply
	}
	if len(b.lens) > replyAfter {
		b.reply = types.ReplyTTServe
	}
	return true
}

// Revert undoes the most recent successful Append.
func (b *Batch) Revert() {
	b.batchState = b.undo
	b.data = b.data[:b.used]
}

// Len is the size of the frame Frame would return, 0 when empty.
func (b *Batch) Len() int {
	if b.Empty() {
		return 0
	}
	return 2 + len(b.lens) + b.used
}

// Count is the number of messages in the batch.
func (b *Batch) Count() int { return len(b.lens) }

// Frame returns the batch as a multi-message frame and the reply it asks for.
func (b *Batch) Frame() ([]byte, types.ReplyType) {
	out := make([]byte, 0, b.Len())
	out = append(out, formatPBArray, byte(len(b.lens)))
	out = append(out, b.lens...)
	return append(out, b.data...), b.reply
}

// Entry is one stored frame.
type Entry struct {
	Frame []byte
	Reply types.ReplyType
}

// Store is a FIFO of frames kept while offline. When full the oldest frame
// is overwritten.
type Store struct {
	q *ring.Ring[Entry]

	Overwritten uint32
}

// NewStore returns a store of the given capacity; zero disables it.
func NewStore(entries int) *Store {
	s := &Store{}
	if entries > 0 {
		s.q = ring.New[Entry](entries)
	}
	return s
}

// Enabled reports whether frames can be stored at all.
func (s *Store) Enabled() bool { return s.q != nil }

// Put stores a copy of frame.
func (s *Store) Put(frame []byte, reply types.ReplyType) bool {
	if s.q == nil {
		return false
	}
	if s.q.PushOverwrite(Entry{Frame: append([]byte(nil), frame...), Reply: reply}) {
		s.Overwritten++
	}
	return true
}

// Get peeks at the oldest frame and returns how many are stored.
func (s *Store) Get() (Entry, int) {
	if s.q == nil {
		return Entry{}, 0
	}
	e, _ := s.q.Peek()
	return e, s.q.Len()
}

// Release drops the frame Get returned once it has been sent.
func (s *Store) Release() {
	if s.q != nil {
		s.q.Pop()
	}
}

// Len is the number of stored frames.
func (s *Store) Len() int {
	if s.q == nil {
		return 0
	}
	return s.q.Len()
}
