package receipts

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"

	"github.com/relves/randao/pkg/types"
)

// Decode parses DAG-CBOR bytes produced by Encode.
func Decode(data []byte) (*Receipt, error) {
	n, err := ipld.Decode(data, dagcbor.Decode)
	if err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}

	d := &decoder{node: n}
	r := &Receipt{
		Group:             types.GroupID(d.int("group")),
		Request:           types.RequestID(d.int("request")),
		Requester:         common.BytesToAddress(d.bytes("requester")),
		Started:           uint64(d.int("started")),
		Block:             uint64(d.int("block")),
		Seed:              common.BytesToHash(d.bytes("seed")),
		Output:            common.BytesToHash(d.bytes("output")),
		ParticipationRoot: common.BytesToHash(d.bytes("participationRoot")),
		TotalSlashed:      d.amount("totalSlashed"),
	}

	list := d.field("participants")
	if d.err == nil {
		it := list.ListIterator()
		for it != nil && !it.Done() {
			_, entry, err := it.Next()
			if err != nil {
				return nil, fmt.Errorf("decode receipt participants: %w", err)
			}
			pd := &decoder{node: entry}
			r.Participants = append(r.Participants, Participant{
				Account:    common.BytesToAddress(pd.bytes("account")),
				Commitment: pd.optionalHash("commitment"),
				Secret:     pd.optionalHash("secret"),
				Outcome:    types.Outcome(pd.string("outcome")),
				Slashed:    pd.amount("slashed"),
			})
			if pd.err != nil {
				return nil, fmt.Errorf("decode receipt participant: %w", pd.err)
			}
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode receipt: %w", d.err)
	}
	return r, nil
}

// decoder reads map fields and keeps the first error.
type decoder struct {
	node datamodel.Node
	err  error
}

func (d *decoder) field(key string) datamodel.Node {
	if d.err != nil {
		return nil
	}
	n, err := d.node.LookupByString(key)
	if err != nil {
		d.err = fmt.Errorf("field %q: %w", key, err)
		return nil
	}
	return n
}

func (d *decoder) int(key string) int64 {
	n := d.field(key)
	if n == nil {
		return 0
	}
	v, err := n.AsInt()
	if err != nil {
		d.err = fmt.Errorf("field %q: %w", key, err)
	}
	return v
}

func (d *decoder) bytes(key string) []byte {
	n := d.field(key)
	if n == nil {
		return nil
	}
	v, err := n.AsBytes()
	if err != nil {
		d.err = fmt.Errorf("field %q: %w", key, err)
	}
	return v
}

func (d *decoder) string(key string) string {
	n := d.field(key)
	if n == nil {
		return ""
	}
	v, err := n.AsString()
	if err != nil {
		d.err = fmt.Errorf("field %q: %w", key, err)
	}
	return v
}

func (d *decoder) amount(key string) *uint256.Int {
	s := d.string(key)
	if d.err != nil {
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		d.err = fmt.Errorf("field %q: %w", key, err)
	}
	return v
}

func (d *decoder) optionalHash(key string) *common.Hash {
	n := d.field(key)
	if n == nil || n.IsNull() {
		return nil
	}
	v, err := n.AsBytes()
	if err != nil {
		d.err = fmt.Errorf("field %q: %w", key, err)
		return nil
	}
	h := common.BytesToHash(v)
	return &h
}
