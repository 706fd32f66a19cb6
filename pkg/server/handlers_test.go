package server_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/pkg/commitment"
	"github.com/relves/randao/pkg/delivery"
	"github.com/relves/randao/pkg/precompile"
	"github.com/relves/randao/pkg/randao"
	"github.com/relves/randao/pkg/server"
	"github.com/relves/randao/pkg/types"
)

func groupPath(id types.GroupID, suffix string) string {
	return fmt.Sprintf("/groups/%d%s", id, suffix)
}

func requestPath(id types.RequestID, suffix string) string {
	return fmt.Sprintf("/requests/%d%s", id, suffix)
}

func TestRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	g := f.group()

	var rr server.RequestResponse
	w := f.do(f.user, http.MethodPost, groupPath(g, "/requests"), nil, &rr)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	secret := common.Hash{0x42}
	w = f.do(f.member, http.MethodPost, requestPath(rr.Request, "/commit"),
		server.CommitRequest{Commitment: commitment.Commit(secret)}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	f.blocks.Advance(6)
	w = f.do(f.member, http.MethodPost, requestPath(rr.Request, "/reveal"),
		server.RevealRequest{Secret: secret}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var status randao.RequestStatus
	w = f.do(nil, http.MethodGet, requestPath(rr.Request, ""), nil, &status)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.PhaseRevealing, status.Phase)
	assert.False(t, status.Finalizable)

	f.blocks.Advance(5)
	var fulfillment types.Fulfillment
	w = f.do(f.user, http.MethodPost, requestPath(rr.Request, "/finalize"), nil, &fulfillment)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, fulfillment.Revealed)
	assert.NotEmpty(t, fulfillment.ReceiptCID)

	var results []delivery.Result
	w = f.do(nil, http.MethodGet, "/accounts/"+addr(f.user).Hex()+"/results", nil, &results)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, results, 1)
	assert.Equal(t, fulfillment.Output, results[0].Output)

	w = f.do(nil, http.MethodGet, "/receipts/"+fulfillment.ReceiptCID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "revealed")

	w = f.do(nil, http.MethodGet, "/receipts/"+fulfillment.ReceiptCID+"?format=dag-cbor", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.ipld.dag-cbor", w.Header().Get("Content-Type"))

	w = f.do(nil, http.MethodGet, fmt.Sprintf("/receipts/bundle?request=%d", rr.Request), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/vnd.ipld.car; version=1", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Root-CID"))

	w = f.do(f.user, http.MethodPost, requestPath(rr.Request, "/finalize"), nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AlreadyFinalized", f.failure(w).Name)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	g := f.group()

	w := f.do(f.user, http.MethodPost, "/groups", server.RegisterGroupRequest{
		Coordinator: addr(f.coord), Params: defaultParams(),
	}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NotGovernance", f.failure(w).Name)

	bad := defaultParams()
	bad.AbsentPenalty = 101
	w = f.do(f.gov, http.MethodPost, "/groups", server.RegisterGroupRequest{
		Coordinator: addr(f.coord), Params: bad,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidGroupParams", f.failure(w).Name)

	w = f.do(nil, http.MethodGet, "/groups/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "GroupNotFound", f.failure(w).Name)

	w = f.do(f.gov, http.MethodPost, groupPath(g, "/requests"), nil, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "InsufficientBalance", f.failure(w).Name)

	var rr server.RequestResponse
	f.do(f.user, http.MethodPost, groupPath(g, "/requests"), nil, &rr)
	w = f.do(f.user, http.MethodPost, requestPath(rr.Request, "/commit"), server.CommitRequest{}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NotAMember", f.failure(w).Name)

	w = f.do(nil, http.MethodGet, "/groups/notanumber", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidGroupID", f.failure(w).Name)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	w := f.do(nil, http.MethodPost, "/groups", server.RegisterGroupRequest{}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Unauthenticated", f.failure(w).Name)

	// A signature over a different body recovers a different caller.
	body := []byte(`{"coordinator":"0x00000000000000000000000000000000000000c0"}`)
	req := httptest.NewRequest(http.MethodPost, "/groups", bytes.NewReader(body))
	require.NoError(t, server.Sign(req, f.gov, f.now, []byte("{}")))
	w = httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Stale timestamps are rejected.
	req = httptest.NewRequest(http.MethodPost, "/groups", bytes.NewReader(body))
	require.NoError(t, server.Sign(req, f.gov, f.now.Add(-time.Hour), body))
	w = httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/groups", bytes.NewReader(body))
	req.Header.Set(server.HeaderTimestamp, strconv.FormatInt(f.now.Unix(), 10))
	req.Header.Set(server.HeaderSignature, "0x1234")
	w = httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// signed builds a request signed by key at ts that can be sent repeatedly.
func (f *fixture) signed(key *ecdsa.PrivateKey, method, path string, ts time.Time) func() *httptest.ResponseRecorder {
	f.t.Helper()
	signed := httptest.NewRequest(method, path, nil)
	require.NoError(f.t, server.Sign(signed, key, ts, nil))
	return func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header = signed.Header.Clone()
		w := httptest.NewRecorder()
		f.srv.ServeHTTP(w, req)
		return w
	}
}

func TestReplayedRequestIsRejected(t *testing.T) {
	f := newFixture(t)
	g := f.group()
	before := f.ledger.Balance(addr(f.user)).Free.Uint64()

	send := f.signed(f.user, http.MethodPost, groupPath(g, "/requests"), f.now)
	w := send()
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	for range 2 {
		w = send()
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "ReplayedRequest", f.failure(w).Name)
	}
	assert.Equal(t, before-defaultParams().Fee.Uint64(), f.ledger.Balance(addr(f.user)).Free.Uint64())

	var counters server.CountersResponse
	f.do(nil, http.MethodGet, "/counters", nil, &counters)
	assert.Equal(t, types.RequestID(1), counters.NextRequestID)

	// A fresh signature over the same call is accepted.
	w = f.do(f.user, http.MethodPost, groupPath(g, "/requests"), nil, nil)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestEvictedNonceCannotBeReplayed(t *testing.T) {
	f := newFixture(t, server.WithNonceCacheSize(1))
	g := f.group()

	first := f.signed(f.user, http.MethodPost, groupPath(g, "/requests"), f.now.Add(time.Second))
	require.Equal(t, http.StatusCreated, first().Code)

	// The next signed call evicts the first nonce.
	later := f.now.Add(2 * time.Second)
	require.Equal(t, http.StatusCreated, f.signed(f.user, http.MethodPost, groupPath(g, "/requests"), later)().Code)

	w := first()
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ReplayedRequest", f.failure(w).Name)

	// Calls signed after the evicted timestamp still go through.
	w = f.signed(f.user, http.MethodPost, groupPath(g, "/requests"), later)()
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestFlipRandom_SubjectTooLong(t *testing.T) {
	f := newFixture(t)

	longest := "0x" + strings.Repeat("ab", precompile.MaxSubjectLen)
	w := f.do(nil, http.MethodGet, "/flip/random?subject="+longest, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(nil, http.MethodGet, "/flip/random?subject="+longest+"ab", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidSubject", f.failure(w).Name)

	w = f.do(nil, http.MethodGet, "/flip/random?subject=0x"+strings.Repeat("00", 4096), nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type denyAll struct{}

func (denyAll) ValidateRequest(_ context.Context, _ common.Address, _ *http.Request) error {
	return server.NewValidationError("ACCOUNT_SUSPENDED", "account suspended")
}

func TestValidator(t *testing.T) {
	f := newFixture(t, server.WithValidator(denyAll{}))

	w := f.do(f.gov, http.MethodPost, "/groups", server.RegisterGroupRequest{
		Coordinator: addr(f.coord), Params: defaultParams(),
	}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, server.ErrorResponse{Name: "ACCOUNT_SUSPENDED", Message: "account suspended"}, f.failure(w))
}

func TestPrecompileEndpoint(t *testing.T) {
	f := newFixture(t)
	f.blocks.Advance(3)

	input, err := precompile.ABI.Pack("collective_flip_random", []byte("subject"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/precompile/randomness", bytes.NewReader(input))
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, strconv.FormatUint(precompile.BaseGas+precompile.WordGas, 10), w.Header().Get(server.HeaderGasUsed))

	vals, err := precompile.ABI.Unpack("collective_flip_random", w.Body.Bytes())
	require.NoError(t, err)
	var flipResp server.FlipResponse
	f.do(nil, http.MethodGet, "/flip/random?subject=0x"+fmt.Sprintf("%x", "subject"), nil, &flipResp)
	assert.Equal(t, [32]byte(flipResp.Output), vals[0])

	req = httptest.NewRequest(http.MethodPost, "/precompile/randomness", bytes.NewReader(input))
	req.Header.Set(server.HeaderGasLimit, "10")
	w = httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "OutOfGas", f.failure(w).Name)

	req = httptest.NewRequest(http.MethodPost, "/precompile/randomness", bytes.NewReader([]byte{1, 2, 3, 4}))
	w = httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidCall", f.failure(w).Name)
}
