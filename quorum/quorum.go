package quorum

import (
	"fmt"

	"github.com/acharapko/flease/idservice"
)

// Quorum records each acknowledgement of one round against n acceptors
type Quorum struct {
	n     int
	size  int
	acks  map[idservice.ID]bool
	zones map[int]int
	nacks map[idservice.ID]bool
}

// NewQuorum returns a new Quorum over n acceptors
func NewQuorum(n int) *Quorum {
	q := &Quorum{n: n}
	q.Reset()
	return q
}

// ACK adds id to quorum ack records
func (q *Quorum) ACK(id idservice.ID) {
	if !q.acks[id] {
		q.acks[id] = true
		q.size++
		q.zones[id.Zone()]++
	}
}

// NACK adds id to quorum nack records
func (q *Quorum) NACK(id idservice.ID) {
	q.nacks[id] = true
}

// Size returns current ack size
func (q *Quorum) Size() int {
	return q.size
}

// Nacks returns the number of distinct rejections
func (q *Quorum) Nacks() int {
	return len(q.nacks)
}

// Reset resets the quorum to empty
func (q *Quorum) Reset() {
	q.size = 0
	q.acks = make(map[idservice.ID]bool)
	q.zones = make(map[int]int)
	q.nacks = make(map[idservice.ID]bool)
}

func (q *Quorum) All() bool {
	return q.size == q.n
}

// Majority quorum satisfied
func (q *Quorum) Majority() bool {
	return q.size > q.n/2
}

// Failed is true once a majority can no longer be reached
func (q *Quorum) Failed() bool {
	return len(q.nacks) >= q.n-q.n/2
}

// Zones returns the number of zones that acknowledged
func (q *Quorum) Zones() int {
	return len(q.zones)
}

func (q *Quorum) String() string {
	return fmt.Sprintf("Quorum {n=%d acked_size=%v, acks=%v nacks=%d}", q.n, q.size, q.acks, len(q.nacks))
}
