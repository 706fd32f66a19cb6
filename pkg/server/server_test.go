package server_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/internal/ledger"
	"github.com/relves/randao/internal/receipts"
	"github.com/relves/randao/internal/storage/dsstore"
	"github.com/relves/randao/pkg/chain"
	"github.com/relves/randao/pkg/delivery"
	"github.com/relves/randao/pkg/flip"
	"github.com/relves/randao/pkg/randao"
	"github.com/relves/randao/pkg/server"
	"github.com/relves/randao/pkg/types"
)

func TestNewServerRequiresParameters(t *testing.T) {
	_, err := server.NewServer()
	require.Error(t, err)
	require.Contains(t, err.Error(), "beacon is required")
}

type fixture struct {
	t      *testing.T
	srv    *server.Server
	blocks *chain.Producer
	ledger *ledger.Memory
	inbox  *delivery.Inbox
	gov    *ecdsa.PrivateKey
	coord  *ecdsa.PrivateKey
	member *ecdsa.PrivateKey
	user   *ecdsa.PrivateKey
	now    time.Time
}

func addr(k *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(k.PublicKey)
}

func newFixture(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()
	f := &fixture{t: t, now: time.Unix(1_700_000_000, 0)}
	for _, k := range []**ecdsa.PrivateKey{&f.gov, &f.coord, &f.member, &f.user} {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		*k = key
	}

	f.blocks = chain.NewProducer(chain.Config{Start: 10})
	f.ledger = ledger.NewMemory(ledger.Config{
		FeeCollector: common.HexToAddress("0xfe"),
		Genesis: map[common.Address]*uint256.Int{
			addr(f.member): uint256.NewInt(1000),
			addr(f.user):   uint256.NewInt(1000),
		},
	})
	inbox, err := delivery.NewInbox(delivery.Config{})
	require.NoError(t, err)
	f.inbox = inbox

	store := dsstore.NewMemory()
	archive := receipts.New(store.Datastore(), nil)
	beacon, err := randao.New(context.Background(), randao.Config{
		Governance: addr(f.gov),
		Store:      store,
		Ledger:     f.ledger,
		Blocks:     f.blocks,
		Deliverer:  inbox,
		Receipts:   archive,
	})
	require.NoError(t, err)

	fl := flip.New()
	f.blocks.Subscribe(func(b chain.Block) { fl.OnBlock(b.Number, b.Parent) })

	opts = append([]server.Option{
		server.WithBeacon(beacon),
		server.WithResults(inbox),
		server.WithReceipts(archive),
		server.WithFlip(fl),
		server.WithClock(func() time.Time { return f.now }),
	}, opts...)
	srv, err := server.NewServer(opts...)
	require.NoError(t, err)
	f.srv = srv
	return f
}

// do sends a request signed by key (unsigned if key is nil) and decodes the
// JSON response into out when out is non-nil.
func (f *fixture) do(key *ecdsa.PrivateKey, method, path string, body any, out any) *httptest.ResponseRecorder {
	f.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(f.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if key != nil {
		require.NoError(f.t, server.Sign(req, key, f.now, raw))
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

func (f *fixture) failure(w *httptest.ResponseRecorder) server.ErrorResponse {
	f.t.Helper()
	var resp server.ErrorResponse
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func defaultParams() types.GroupParams {
	return types.GroupParams{
		Fee:                   uint256.NewInt(5),
		Deposit:               uint256.NewInt(100),
		AbsentPenalty:         10,
		CommitNoRevealPenalty: 50,
		CommitmentDelay:       5,
		RevealDelay:           5,
	}
}

// group registers a group coordinated by f.coord with f.member in it.
func (f *fixture) group() types.GroupID {
	f.t.Helper()
	var g server.GroupResponse
	w := f.do(f.gov, http.MethodPost, "/groups", server.RegisterGroupRequest{
		Coordinator: addr(f.coord),
		Params:      defaultParams(),
	}, &g)
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(f.coord, http.MethodPost, groupPath(g.Group, "/members"), server.SetMembersRequest{
		Add: []common.Address{addr(f.member)},
	}, nil)
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	return g.Group
}
