// Package client is an HTTP client for the randao API that signs mutating
// calls with a secp256k1 key.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/relves/randao/pkg/delivery"
	"github.com/relves/randao/pkg/randao"
	"github.com/relves/randao/pkg/server"
	"github.com/relves/randao/pkg/types"
)

// APIError is a failed call. It matches the randao sentinel with the same
// name under errors.Is.
type APIError struct {
	Status  int
	Name    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Status, e.Message)
}

// Is reports whether target is the sentinel e was mapped from.
func (e *APIError) Is(target error) bool {
	name, class := randao.ErrorCode(target)
	return class != randao.ClassInternal && name == e.Name
}

// Client calls a randao server.
type Client struct {
	endpoint string
	key      *ecdsa.PrivateKey
	http     *http.Client
	now      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithClock overrides the clock used for signature timestamps.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		cl.now = now
	}
}

// New creates a client for endpoint signing with key.
func New(endpoint string, key *ecdsa.PrivateKey, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		key:      key,
		http:     http.DefaultClient,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the account the client signs for.
func (c *Client) Address() common.Address {
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		if err := server.Sign(req, c.key, c.now(), body); err != nil {
			return err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var failure server.ErrorResponse
		if err := json.Unmarshal(data, &failure); err != nil || failure.Name == "" {
			return &APIError{Status: resp.StatusCode, Name: "Internal", Message: strings.TrimSpace(string(data))}
		}
		return &APIError{Status: resp.StatusCode, Name: failure.Name, Message: failure.Message}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// RegisterGroup registers a group. The client key must be governance.
func (c *Client) RegisterGroup(ctx context.Context, coordinator common.Address, params types.GroupParams) (types.GroupID, error) {
	var resp server.GroupResponse
	err := c.do(ctx, http.MethodPost, "/groups", server.RegisterGroupRequest{Coordinator: coordinator, Params: params}, &resp)
	return resp.Group, err
}

// UpdateGroup replaces the parameters of a group.
func (c *Client) UpdateGroup(ctx context.Context, id types.GroupID, params types.GroupParams) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/groups/%d", id), params, nil)
}

// SetMembers adds and removes members of a group.
func (c *Client) SetMembers(ctx context.Context, id types.GroupID, add, remove []common.Address) (*randao.GroupStatus, error) {
	var resp randao.GroupStatus
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/groups/%d/members", id), server.SetMembersRequest{Add: add, Remove: remove}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GroupInfo returns a group.
func (c *Client) GroupInfo(ctx context.Context, id types.GroupID) (*randao.GroupStatus, error) {
	var resp randao.GroupStatus
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/groups/%d", id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestRandomness opens a request paid for by the client account.
func (c *Client) RequestRandomness(ctx context.Context, group types.GroupID) (types.RequestID, error) {
	var resp server.RequestResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/groups/%d/requests", group), nil, &resp)
	return resp.Request, err
}

// RequestInfo returns a request.
func (c *Client) RequestInfo(ctx context.Context, id types.RequestID) (*randao.RequestStatus, error) {
	var resp randao.RequestStatus
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/requests/%d", id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Commit submits a commitment.
func (c *Client) Commit(ctx context.Context, id types.RequestID, commitment common.Hash) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/requests/%d/commit", id), server.CommitRequest{Commitment: commitment}, nil)
}

// Reveal submits a secret.
func (c *Client) Reveal(ctx context.Context, id types.RequestID, secret common.Hash) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/requests/%d/reveal", id), server.RevealRequest{Secret: secret}, nil)
}

// Finalize finalizes a request.
func (c *Client) Finalize(ctx context.Context, id types.RequestID) (*types.Fulfillment, error) {
	var resp types.Fulfillment
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/requests/%d/finalize", id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenRequests returns the open requests account takes part in.
func (c *Client) OpenRequests(ctx context.Context, account common.Address) ([]randao.RequestStatus, error) {
	var resp []randao.RequestStatus
	err := c.do(ctx, http.MethodGet, "/accounts/"+account.Hex()+"/requests", nil, &resp)
	return resp, err
}

// Results returns the outputs delivered to account.
func (c *Client) Results(ctx context.Context, account common.Address) ([]delivery.Result, error) {
	var resp []delivery.Result
	err := c.do(ctx, http.MethodGet, "/accounts/"+account.Hex()+"/results", nil, &resp)
	return resp, err
}

// Counters returns the identifier counters and the current block.
func (c *Client) Counters(ctx context.Context) (*server.CountersResponse, error) {
	var resp server.CountersResponse
	if err := c.do(ctx, http.MethodGet, "/counters", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
