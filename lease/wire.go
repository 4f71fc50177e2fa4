package lease

import (
	"fmt"
	"math"

	"github.com/acharapko/flease/idservice"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the protobuf encoding of Message. Proposal numbers are
// nested messages with round=1 and proposer=2.
const (
	fieldType           protowire.Number = 1
	fieldCellID         protowire.Number = 2
	fieldProposalNo     protowire.Number = 3
	fieldPrevProposalNo protowire.Number = 4
	fieldLeaseHolder    protowire.Number = 5
	fieldLeaseTimeout   protowire.Number = 6
	fieldViewID         protowire.Number = 7
	fieldMasterEpoch    protowire.Number = 8
	fieldSendTimestamp  protowire.Number = 9
	fieldFrom           protowire.Number = 10

	fieldRound    protowire.Number = 1
	fieldProposer protowire.Number = 2
)

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendProposal(b []byte, num protowire.Number, p ProposalNumber) []byte {
	if p.IsEmpty() {
		return b
	}
	var inner []byte
	inner = appendSint(inner, fieldRound, p.Round)
	inner = appendString(inner, fieldProposer, p.Proposer)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// MarshalBinary encodes m in protobuf wire format
func (m Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 64+len(m.CellID)+len(m.LeaseHolder))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = appendString(b, fieldCellID, m.CellID)
	b = appendProposal(b, fieldProposalNo, m.ProposalNo)
	b = appendProposal(b, fieldPrevProposalNo, m.PrevProposalNo)
	b = appendString(b, fieldLeaseHolder, m.LeaseHolder)
	b = appendSint(b, fieldLeaseTimeout, m.LeaseTimeout)
	b = appendSint(b, fieldViewID, int64(m.ViewID))
	b = appendSint(b, fieldMasterEpoch, m.MasterEpoch)
	b = appendSint(b, fieldSendTimestamp, m.SendTimestamp)
	if m.From != 0 {
		b = protowire.AppendTag(b, fieldFrom, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.From))
	}
	return b, nil
}

type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk calls visit for every field of b; visit returns the number of bytes
// consumed, or 0 to have the field skipped.
func walk(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func unmarshalProposal(b []byte) (ProposalNumber, error) {
	var p ProposalNumber
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRound:
			v, n, err := consumeVarint(typ, b)
			p.Round = protowire.DecodeZigZag(v)
			return n, err
		case fieldProposer:
			v, n, err := consumeBytes(typ, b)
			p.Proposer = string(v)
			return n, err
		}
		return 0, nil
	})
	return p, err
}

// UnmarshalBinary decodes the protobuf wire format written by MarshalBinary.
// Unknown fields are skipped.
func (m *Message) UnmarshalBinary(data []byte) error {
	*m = Message{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldType:
			v, n, err := consumeVarint(typ, b)
			m.Type = MsgType(v)
			return n, err
		case fieldCellID:
			v, n, err := consumeBytes(typ, b)
			m.CellID = string(v)
			return n, err
		case fieldLeaseHolder:
			v, n, err := consumeBytes(typ, b)
			m.LeaseHolder = string(v)
			return n, err
		case fieldProposalNo, fieldPrevProposalNo:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			p, err := unmarshalProposal(v)
			if num == fieldProposalNo {
				m.ProposalNo = p
			} else {
				m.PrevProposalNo = p
			}
			return n, err
		case fieldLeaseTimeout, fieldViewID, fieldMasterEpoch, fieldSendTimestamp:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			s := protowire.DecodeZigZag(v)
			switch num {
			case fieldLeaseTimeout:
				m.LeaseTimeout = s
			case fieldViewID:
				if s < math.MinInt32 || s > math.MaxInt32 {
					return 0, fmt.Errorf("view id %d out of range", s)
				}
				m.ViewID = int32(s)
			case fieldMasterEpoch:
				m.MasterEpoch = s
			default:
				m.SendTimestamp = s
			}
			return n, nil
		case fieldFrom:
			v, n, err := consumeVarint(typ, b)
			m.From = idservice.ID(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
