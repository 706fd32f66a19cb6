// Package flip implements a low-influence randomness source from recent
// block parent hashes. It is cheap and always available but weak: block
// producers can bias it. Use the randao beacon where that matters.
package flip

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gammazero/deque"
)

// WindowSize is the number of parent hashes kept as material.
const WindowSize = 81

// Beacon keeps the last WindowSize parent hashes.
type Beacon struct {
	mu       sync.RWMutex
	material deque.Deque[common.Hash]
	block    uint64
}

// New returns an empty beacon.
func New() *Beacon {
	return &Beacon{}
}

// OnBlock records the parent hash of block number.
func (b *Beacon) OnBlock(number uint64, parent common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.material.Len() == WindowSize {
		b.material.PopFront()
	}
	b.material.PushBack(parent)
	b.block = number
}

// Material returns the window, oldest first.
func (b *Beacon) Material() []common.Hash {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]common.Hash, b.material.Len())
	for i := range out {
		out[i] = b.material.At(i)
	}
	return out
}

// Random mixes subject with every material entry. The second value is the
// block since which the result could have been known.
func (b *Beacon) Random(subject []byte) (common.Hash, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var acc common.Hash
	for i := 0; i < b.material.Len(); i++ {
		m := b.material.At(i)
		h := crypto.Keccak256Hash([]byte{byte(i)}, subject, m[:])
		acc = crypto.Keccak256Hash(acc[:], h[:])
	}
	known := uint64(0)
	if b.block > WindowSize {
		known = b.block - WindowSize
	}
	return acc, known
}
