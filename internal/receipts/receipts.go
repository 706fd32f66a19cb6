// Package receipts archives fulfillment receipts as content-addressed
// DAG-CBOR blocks. A receipt records every input of a finalization so that
// anyone holding it can recompute the output and the participation root.
package receipts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	format "github.com/ipfs/go-ipld-format"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"

	"github.com/relves/randao/pkg/types"
)

// ErrNotFound is returned when no receipt exists for a CID.
var ErrNotFound = errors.New("receipt not found")

// Participant is one member's entry in a receipt.
type Participant struct {
	Account    common.Address
	Commitment *common.Hash
	Secret     *common.Hash
	Outcome    types.Outcome
	Slashed    *uint256.Int
}

// Receipt is the archived record of one finalization.
type Receipt struct {
	Group             types.GroupID
	Request           types.RequestID
	Requester         common.Address
	Started           uint64
	Block             uint64
	Seed              common.Hash
	Output            common.Hash
	ParticipationRoot common.Hash
	TotalSlashed      *uint256.Int
	Participants      []Participant
}

// Archive stores receipts in a blockstore.
type Archive struct {
	bs     blockstore.Blockstore
	logger *slog.Logger
}

// New creates an archive whose blocks live in d.
func New(d ds.Batching, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{bs: blockstore.NewBlockstore(d), logger: logger}
}

// ComputeCID returns the CIDv1 (dag-cbor, sha2-256) of encoded receipt bytes.
func ComputeCID(data []byte) (cid.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(uint64(multicodec.DagCbor), hash), nil
}

// Put encodes and stores r and returns its CID.
func (a *Archive) Put(ctx context.Context, r *Receipt) (cid.Cid, error) {
	data, err := Encode(r)
	if err != nil {
		return cid.Undef, err
	}
	c, err := ComputeCID(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("compute receipt cid: %w", err)
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return cid.Undef, err
	}
	if err := a.bs.Put(ctx, blk); err != nil {
		return cid.Undef, fmt.Errorf("store receipt: %w", err)
	}
	a.logger.Debug("archived receipt", "request", r.Request, "cid", c.String(), "size", len(data))
	return c, nil
}

// Raw returns the stored DAG-CBOR bytes of the receipt c.
func (a *Archive) Raw(ctx context.Context, c cid.Cid) ([]byte, error) {
	blk, err := a.bs.Get(ctx, c)
	if format.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return blk.RawData(), nil
}

// Get loads and decodes the receipt c.
func (a *Archive) Get(ctx context.Context, c cid.Cid) (*Receipt, error) {
	data, err := a.Raw(ctx, c)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// JSON renders the receipt c as DAG-JSON.
func (a *Archive) JSON(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := a.Raw(ctx, c)
	if err != nil {
		return nil, err
	}
	n, err := ipld.Decode(data, dagcbor.Decode)
	if err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	var buf bytes.Buffer
	if err := dagjson.Encode(n, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Has reports whether the receipt c is archived.
func (a *Archive) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return a.bs.Has(ctx, c)
}

// Encode returns the canonical DAG-CBOR encoding of r.
// Unsigned 64-bit values are stored bit-for-bit as IPLD integers; amounts are
// decimal strings.
func Encode(r *Receipt) ([]byte, error) {
	n, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "group", qp.Int(int64(r.Group)))
		qp.MapEntry(ma, "request", qp.Int(int64(r.Request)))
		qp.MapEntry(ma, "requester", qp.Bytes(r.Requester.Bytes()))
		qp.MapEntry(ma, "started", qp.Int(int64(r.Started)))
		qp.MapEntry(ma, "block", qp.Int(int64(r.Block)))
		qp.MapEntry(ma, "seed", qp.Bytes(r.Seed.Bytes()))
		qp.MapEntry(ma, "output", qp.Bytes(r.Output.Bytes()))
		qp.MapEntry(ma, "participationRoot", qp.Bytes(r.ParticipationRoot.Bytes()))
		qp.MapEntry(ma, "totalSlashed", qp.String(amount(r.TotalSlashed)))
		qp.MapEntry(ma, "participants", qp.List(int64(len(r.Participants)), func(la datamodel.ListAssembler) {
			for _, p := range r.Participants {
				qp.ListEntry(la, qp.Map(-1, func(ma datamodel.MapAssembler) {
					qp.MapEntry(ma, "account", qp.Bytes(p.Account.Bytes()))
					qp.MapEntry(ma, "commitment", optionalHash(p.Commitment))
					qp.MapEntry(ma, "secret", optionalHash(p.Secret))
					qp.MapEntry(ma, "outcome", qp.String(string(p.Outcome)))
					qp.MapEntry(ma, "slashed", qp.String(amount(p.Slashed)))
				}))
			}
		}))
	})
	if err != nil {
		return nil, fmt.Errorf("build receipt node: %w", err)
	}
	return ipld.Encode(n, dagcbor.Encode)
}

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func optionalHash(h *common.Hash) qp.Assemble {
	if h == nil {
		return qp.Null()
	}
	return qp.Bytes(h.Bytes())
}
