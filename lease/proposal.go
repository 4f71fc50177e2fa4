package lease

import (
	"fmt"
	"strings"
)

// ProposalNumber is a ballot: a round chosen by a proposer plus the
// proposer's identity, so two proposers never produce equal numbers.
type ProposalNumber struct {
	Round    int64
	Proposer string
}

// Empty sorts before every real proposal number. It is reported to
// proposers when nothing was promised or accepted yet.
var Empty = ProposalNumber{}

// NewProposalNumber returns (round, proposer)
func NewProposalNumber(round int64, proposer string) ProposalNumber {
	return ProposalNumber{Round: round, Proposer: proposer}
}

// IsEmpty reports whether p is the Empty sentinel
func (p ProposalNumber) IsEmpty() bool {
	return p == Empty
}

// IsValid reports whether p can be used by a proposer
func (p ProposalNumber) IsValid() bool {
	return p.Round >= 0 && p.Proposer != ""
}

// Compare orders by round, then by proposer identity
func (p ProposalNumber) Compare(other ProposalNumber) int {
	switch {
	case p.Round < other.Round:
		return -1
	case p.Round > other.Round:
		return 1
	}
	return strings.Compare(p.Proposer, other.Proposer)
}

// After is true iff p strictly succeeds other
func (p ProposalNumber) After(other ProposalNumber) bool {
	return p.Compare(other) > 0
}

// Before is true iff p strictly precedes other
func (p ProposalNumber) Before(other ProposalNumber) bool {
	return p.Compare(other) < 0
}

// Next returns the smallest round of proposer that is after p
func (p ProposalNumber) Next(proposer string) ProposalNumber {
	n := ProposalNumber{Round: p.Round, Proposer: proposer}
	if !n.After(p) {
		n.Round++
	}
	return n
}

func (p ProposalNumber) String() string {
	if p.IsEmpty() {
		return "(empty)"
	}
	return fmt.Sprintf("(%d,%s)", p.Round, p.Proposer)
}
