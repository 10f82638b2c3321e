package syncer

// sendQueue is a FIFO of keys holding at most one message per key. Pushing a
// key that is still queued replaces the message in place.
type sendQueue struct {
	order   []Key
	pending map[Key]*Message
}

func newSendQueue() *sendQueue {
	return &sendQueue{pending: make(map[Key]*Message)}
}

// push reports whether msg replaced a queued message for the same key.
func (q *sendQueue) push(msg *Message) bool {
	k := msg.Key()
	if _, ok := q.pending[k]; ok {
		q.pending[k] = msg
		return true
	}
	q.pending[k] = msg
	q.order = append(q.order, k)
	return false
}

func (q *sendQueue) pop() (*Message, bool) {
	for len(q.order) > 0 {
		k := q.order[0]
		q.order[0] = Key{}
		q.order = q.order[1:]
		if msg, ok := q.pending[k]; ok {
			delete(q.pending, k)
			return msg, true
		}
	}
	return nil, false
}

func (q *sendQueue) peek(k Key) (*Message, bool) {
	msg, ok := q.pending[k]
	return msg, ok
}

func (q *sendQueue) len() int {
	return len(q.pending)
}

func (q *sendQueue) reset() {
	q.order = nil
	clear(q.pending)
}
