package queue

import (
	"context"
	"fmt"
)

// DefaultBlockSize is the number of rows fetched per round-trip to the store.
const DefaultBlockSize = 500

// Iterator walks the active queue in blocks so that messages inserted during
// a long sweep, high priority ones in particular, are picked up by the next
// block instead of waiting for the following sweep.
//
// Every message returned by Next must be deleted or deferred before Next is
// called again past the end of the current block.
type Iterator struct {
	store     QueueStore
	blockSize int
	block     []Message
	pos       int
	done      bool
	started   bool
	seen      map[string]int
}

// NewIterator creates an iterator. A blockSize <= 0 reads the whole active
// queue once and never re-checks for new arrivals.
func NewIterator(store QueueStore, blockSize int) *Iterator {
	return &Iterator{
		store:     store,
		blockSize: blockSize,
		seen:      make(map[string]int),
	}
}

// Next returns the next message. The boolean is false once the queue is
// drained; the iterator cannot be restarted.
func (it *Iterator) Next(ctx context.Context) (Message, bool, error) {
	if it.done {
		return Message{}, false, nil
	}

	if it.pos >= len(it.block) {
		if it.started && it.blockSize <= 0 {
			it.done = true
			return Message{}, false, nil
		}
		if err := it.fetch(ctx); err != nil {
			it.done = true
			return Message{}, false, err
		}
		if len(it.block) == 0 {
			it.done = true
			return Message{}, false, nil
		}
	}

	msg := it.block[it.pos]
	it.pos++
	it.seen[msg.ID] = msg.Retries
	return msg, true, nil
}

func (it *Iterator) fetch(ctx context.Context) error {
	it.started = true
	block, err := it.store.NonDeferred(ctx, it.blockSize)
	if err != nil {
		return fmt.Errorf("failed to read queue block: %w", err)
	}

	// A message requeued by another process since we saw it carries a
	// higher retry count and is a legitimate second attempt.
	for _, msg := range block {
		if retries, ok := it.seen[msg.ID]; ok && retries == msg.Retries {
			return fmt.Errorf("%w: %s", ErrMessageNotConsumed, msg.ID)
		}
	}

	it.block = block
	it.pos = 0
	return nil
}
