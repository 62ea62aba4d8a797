package gcwork

const asserts = false

// node links packets into queues and stacks without allocating a slice per
// bucket.
type node struct {
	next   *node
	packet Packet
}

// Queue is a FIFO container of packets.
// The zero value is an empty queue. A Queue is not safe for concurrent use;
// the pool guards its buckets with its own lock.
type Queue struct {
	head, tail *node
	len        int
}

// Push a packet onto the queue.
func (q *Queue) Push(p Packet) {
	q.pushNode(&node{packet: p})
}

func (q *Queue) pushNode(n *node) {
	if asserts && n.next != nil {
		panic("gcwork: pushing a packet to a queue with a non-nil next pointer")
	}
	if q.tail != nil {
		q.tail.next = n
	}
	q.tail = n
	n.next = nil
	if q.head == nil {
		q.head = n
	}
	q.len++
}

// Pop a packet off of the queue. It returns nil when the queue is empty.
func (q *Queue) Pop() Packet {
	n := q.head
	if n == nil {
		return nil
	}
	q.head = n.next
	if q.tail == n {
		q.tail = nil
	}
	n.next = nil
	q.len--
	return n.packet
}

// Append pops the contents of another queue and pushes them onto the end of this queue.
func (q *Queue) Append(other *Queue) {
	if other.head == nil {
		return
	}
	if q.head == nil {
		q.head = other.head
	} else {
		q.tail.next = other.head
	}
	q.tail = other.tail
	q.len += other.len
	other.head, other.tail, other.len = nil, nil, 0
}

// Empty checks if the queue is empty.
func (q *Queue) Empty() bool {
	return q.head == nil
}

func (q *Queue) Len() int {
	return q.len
}
