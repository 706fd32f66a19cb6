package server

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Signature headers.
const (
	HeaderTimestamp = "X-Randao-Timestamp"
	HeaderNonce     = "X-Randao-Nonce"
	HeaderSignature = "X-Randao-Signature"
)

// maxNonceLen bounds the nonce header.
const maxNonceLen = 64

var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrBadSignature     = errors.New("invalid signature")
	ErrStaleSignature   = errors.New("signature timestamp outside accepted window")
	ErrReplayedRequest  = errors.New("signed request already seen")
)

// SigningDigest is the hash a caller signs to authenticate a request.
func SigningDigest(method, path string, timestamp int64, nonce string, body []byte) common.Hash {
	return crypto.Keccak256Hash(
		[]byte(method), []byte("\n"),
		[]byte(path), []byte("\n"),
		[]byte(strconv.FormatInt(timestamp, 10)), []byte("\n"),
		[]byte(nonce), []byte("\n"),
		body,
	)
}

// Sign sets the signature headers on r for body. Every call draws a fresh
// nonce, so each signed request is accepted once.
func Sign(r *http.Request, key *ecdsa.PrivateKey, now time.Time, body []byte) error {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return fmt.Errorf("draw nonce: %w", err)
	}
	nonce := hexutil.Encode(raw[:])
	ts := now.Unix()
	digest := SigningDigest(r.Method, r.URL.Path, ts, nonce, body)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

// authenticate recovers the caller of r and consumes its nonce.
func (s *Server) authenticate(r *http.Request, body []byte) (common.Address, error) {
	tsHeader := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sigHeader := r.Header.Get(HeaderSignature)
	if tsHeader == "" || nonce == "" || sigHeader == "" {
		return common.Address{}, ErrMissingSignature
	}
	if len(nonce) > maxNonceLen {
		return common.Address{}, fmt.Errorf("%w: nonce longer than %d characters", ErrBadSignature, maxNonceLen)
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: timestamp: %v", ErrBadSignature, err)
	}
	if age := s.cfg.now().Sub(time.Unix(ts, 0)); age > s.cfg.MaxSkew || age < -s.cfg.MaxSkew {
		return common.Address{}, ErrStaleSignature
	}
	sig, err := hexutil.Decode(sigHeader)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: want %d bytes of hex", ErrBadSignature, crypto.SignatureLength)
	}
	digest := SigningDigest(r.Method, r.URL.Path, ts, nonce, body)
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	caller := crypto.PubkeyToAddress(*pub)
	if err := s.nonces.use(caller, nonce, ts); err != nil {
		return common.Address{}, err
	}
	return caller, nil
}

type nonceKey struct {
	caller common.Address
	nonce  string
}

// nonceCache remembers consumed nonces with their timestamps. Evicting a
// nonce raises floor to its timestamp and requests signed at or before floor
// are refused, so an evicted nonce can never be reused.
type nonceCache struct {
	mu    sync.Mutex
	seen  *lru.Cache[nonceKey, int64]
	floor atomic.Int64
}

func newNonceCache(size int) (*nonceCache, error) {
	c := &nonceCache{}
	c.floor.Store(math.MinInt64)
	seen, err := lru.NewWithEvict(size, func(_ nonceKey, ts int64) {
		for {
			cur := c.floor.Load()
			if ts <= cur || c.floor.CompareAndSwap(cur, ts) {
				return
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create nonce cache: %w", err)
	}
	c.seen = seen
	return c, nil
}

func (c *nonceCache) use(caller common.Address, nonce string, ts int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts <= c.floor.Load() {
		return fmt.Errorf("%w: timestamp %d is not after %d", ErrReplayedRequest, ts, c.floor.Load())
	}
	if found, _ := c.seen.ContainsOrAdd(nonceKey{caller: caller, nonce: nonce}, ts); found {
		return fmt.Errorf("%w: nonce %s", ErrReplayedRequest, nonce)
	}
	return nil
}
