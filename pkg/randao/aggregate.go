package randao

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/randao/pkg/types"
)

var seedDomain = []byte("randao/seed")

// Seed derives the commitment-phase seed of a request: the request identity
// followed by every commitment in ascending account order. It is also the
// output of a request in which nobody revealed.
func Seed(req *types.Request) common.Hash {
	buf := make([]byte, 0, len(seedDomain)+4+8+8+len(req.Participation)*common.HashLength)
	buf = append(buf, seedDomain...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(req.Group))
	buf = binary.BigEndian.AppendUint64(buf, uint64(req.ID))
	buf = binary.BigEndian.AppendUint64(buf, req.Started)
	for _, acct := range req.Participants() {
		if c := req.Participation[acct].Commitment; c != nil {
			buf = append(buf, c[:]...)
		}
	}
	return crypto.Keccak256Hash(buf)
}

// Mix folds every revealed secret, in ascending account order, into seed.
// It returns the output and the number of secrets mixed in.
func Mix(seed common.Hash, req *types.Request) (common.Hash, int) {
	out := seed
	n := 0
	for _, acct := range req.Participants() {
		s := req.Participation[acct].Secret
		if s == nil {
			continue
		}
		out = crypto.Keccak256Hash(out[:], s[:])
		n++
	}
	return out, n
}

// ParticipationLeaf is the Merkle leaf of one participant:
// account || commitment || secret, with absent values as zero hashes.
func ParticipationLeaf(acct common.Address, p *types.Participation) []byte {
	leaf := make([]byte, 0, common.AddressLength+2*common.HashLength)
	leaf = append(leaf, acct[:]...)
	var zero common.Hash
	if p.Commitment != nil {
		leaf = append(leaf, p.Commitment[:]...)
	} else {
		leaf = append(leaf, zero[:]...)
	}
	if p.Secret != nil {
		leaf = append(leaf, p.Secret[:]...)
	} else {
		leaf = append(leaf, zero[:]...)
	}
	return leaf
}

// ParticipationRoot is the RFC 6962 Merkle root over the participation
// leaves of req in ascending account order.
func ParticipationRoot(req *types.Request) (common.Hash, error) {
	accts := req.Participants()
	if len(accts) == 0 {
		return common.BytesToHash(rfc6962.DefaultHasher.EmptyRoot()), nil
	}
	rf := &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}
	rng := rf.NewEmptyRange(0)
	for _, acct := range accts {
		leaf := rfc6962.DefaultHasher.HashLeaf(ParticipationLeaf(acct, req.Participation[acct]))
		if err := rng.Append(leaf, nil); err != nil {
			return common.Hash{}, err
		}
	}
	root, err := rng.GetRootHash(nil)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(root), nil
}
