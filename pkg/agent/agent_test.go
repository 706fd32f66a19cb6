package agent_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/internal/ledger"
	"github.com/relves/randao/internal/storage/dsstore"
	"github.com/relves/randao/pkg/agent"
	"github.com/relves/randao/pkg/chain"
	"github.com/relves/randao/pkg/client"
	"github.com/relves/randao/pkg/delivery"
	"github.com/relves/randao/pkg/randao"
	"github.com/relves/randao/pkg/server"
	"github.com/relves/randao/pkg/types"
)

func TestAgentDrivesRequestToFulfillment(t *testing.T) {
	ctx := context.Background()

	govKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	members := make([]*client.Client, 3)
	userKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	blocks := chain.NewProducer(chain.Config{Start: 1})
	genesis := map[common.Address]*uint256.Int{crypto.PubkeyToAddress(userKey.PublicKey): uint256.NewInt(100)}

	ts := httptest.NewUnstartedServer(nil)
	for i := range members {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		members[i] = client.New("http://"+ts.Listener.Addr().String(), k)
		genesis[members[i].Address()] = uint256.NewInt(100)
	}

	inbox, err := delivery.NewInbox(delivery.Config{})
	require.NoError(t, err)
	beacon, err := randao.New(ctx, randao.Config{
		Governance: crypto.PubkeyToAddress(govKey.PublicKey),
		Store:      dsstore.NewMemory(),
		Ledger:     ledger.NewMemory(ledger.Config{FeeCollector: common.HexToAddress("0xfe"), Genesis: genesis}),
		Blocks:     blocks,
		Deliverer:  inbox,
	})
	require.NoError(t, err)
	srv, err := server.NewServer(server.WithBeacon(beacon), server.WithResults(inbox))
	require.NoError(t, err)
	ts.Config.Handler = srv
	ts.Start()
	defer ts.Close()

	gov := client.New(ts.URL, govKey)
	user := client.New(ts.URL, userKey)

	group, err := gov.RegisterGroup(ctx, gov.Address(), types.GroupParams{
		Fee:                   uint256.NewInt(1),
		Deposit:               uint256.NewInt(10),
		AbsentPenalty:         10,
		CommitNoRevealPenalty: 50,
		CommitmentDelay:       2,
		RevealDelay:           2,
	})
	require.NoError(t, err)
	var addrs []common.Address
	for _, m := range members {
		addrs = append(addrs, m.Address())
	}
	_, err = gov.SetMembers(ctx, group, addrs, nil)
	require.NoError(t, err)

	agents := make([]*agent.Agent, len(members))
	for i, m := range members {
		agents[i], err = agent.New(m, agent.Config{})
		require.NoError(t, err)
	}
	pollAll := func() {
		for _, a := range agents {
			require.NoError(t, a.Poll(ctx))
		}
	}

	id, err := user.RequestRandomness(ctx, group)
	require.NoError(t, err)

	pollAll() // commit
	status, err := user.RequestInfo(ctx, id)
	require.NoError(t, err)
	for _, p := range status.Request.Participation {
		assert.NotNil(t, p.Commitment)
	}

	blocks.Advance(3)
	pollAll() // reveal
	blocks.Advance(2)
	pollAll() // finalize, the first agent wins

	status, err = user.RequestInfo(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.PhaseFinalized, status.Phase)
	assert.Equal(t, 3, status.Fulfillment.Revealed)
	assert.Equal(t, uint64(0), status.Fulfillment.TotalSlashed.Uint64())

	results, err := user.Results(ctx, user.Address())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, status.Fulfillment.Output, results[0].Output)

	// Errors from the API surface as sentinels.
	_, err = user.Finalize(ctx, id)
	assert.ErrorIs(t, err, randao.ErrAlreadyFinalized)
}
