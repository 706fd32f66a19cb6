// Package dsstore implements storage.StateStore on top of any go-datastore
// Batching datastore. Records are JSON values under namespaced keys:
//
//	/meta/{name}
//	/groups/{group}
//	/members/{group}/{account}
//	/requests/{request}
//	/fulfillments/{request}
//
// Identifiers are zero-padded so that key order is identifier order.
package dsstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/pkg/types"
)

var (
	metaNextGroupID   = ds.NewKey("/meta/next_group_id")
	metaNextRequestID = ds.NewKey("/meta/next_request_id")
	metaHead          = ds.NewKey("/meta/head")
)

const (
	groupsPrefix       = "/groups"
	membersPrefix      = "/members"
	requestsPrefix     = "/requests"
	fulfillmentsPrefix = "/fulfillments"
)

func groupKey(id types.GroupID) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%010d", groupsPrefix, id))
}

func membersOf(id types.GroupID) string {
	return fmt.Sprintf("%s/%010d", membersPrefix, id)
}

func memberKey(id types.GroupID, account common.Address) ds.Key {
	return ds.NewKey(membersOf(id)).ChildString(strings.ToLower(account.Hex()))
}

func requestKey(id types.RequestID) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%020d", requestsPrefix, id))
}

func fulfillmentKey(id types.RequestID) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%020d", fulfillmentsPrefix, id))
}

// Store is a storage.StateStore over a datastore.
type Store struct {
	ds ds.Batching
}

var _ storage.StateStore = (*Store)(nil)

// New wraps an existing datastore.
func New(d ds.Batching) *Store {
	return &Store{ds: d}
}

// NewMemory returns a store backed by a thread-safe in-memory map.
func NewMemory() *Store {
	return New(dssync.MutexWrap(ds.NewMapDatastore()))
}

// Datastore returns the underlying datastore.
func (s *Store) Datastore() ds.Batching {
	return s.ds
}

func (s *Store) Close() error {
	return s.ds.Close()
}

func (s *Store) getUint(ctx context.Context, k ds.Key) (uint64, error) {
	v, err := s.ds.Get(ctx, k)
	if errors.Is(err, ds.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%s: malformed value of %d bytes", k, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s *Store) Counters(ctx context.Context) (types.GroupID, types.RequestID, error) {
	g, err := s.getUint(ctx, metaNextGroupID)
	if err != nil {
		return 0, 0, err
	}
	r, err := s.getUint(ctx, metaNextRequestID)
	if err != nil {
		return 0, 0, err
	}
	return types.GroupID(g), types.RequestID(r), nil
}

func (s *Store) Head(ctx context.Context) (uint64, error) {
	return s.getUint(ctx, metaHead)
}

// getJSON decodes the value at k into v, mapping a missing key to
// storage.ErrNotFound.
func (s *Store) getJSON(ctx context.Context, k ds.Key, v any) error {
	data, err := s.ds.Get(ctx, k)
	if errors.Is(err, ds.ErrNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", k, err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id types.GroupID) (*types.Group, error) {
	var g types.Group
	if err := s.getJSON(ctx, groupKey(id), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) GetMembers(ctx context.Context, id types.GroupID) ([]*types.Member, error) {
	var members []*types.Member
	err := s.scan(ctx, membersOf(id), func(data []byte) error {
		var m types.Member
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		members = append(members, &m)
		return nil
	})
	return members, err
}

func (s *Store) GetRequest(ctx context.Context, id types.RequestID) (*types.Request, error) {
	var r types.Request
	if err := s.getJSON(ctx, requestKey(id), &r); err != nil {
		return nil, err
	}
	if r.Participation == nil {
		r.Participation = make(map[common.Address]*types.Participation)
	}
	return &r, nil
}

func (s *Store) ListRequests(ctx context.Context, group types.GroupID) ([]*types.Request, error) {
	return s.listRequests(ctx, func(r *types.Request) bool { return r.Group == group })
}

func (s *Store) ListAccountRequests(ctx context.Context, account common.Address) ([]*types.Request, error) {
	return s.listRequests(ctx, func(r *types.Request) bool {
		_, ok := r.Participation[account]
		return ok
	})
}

func (s *Store) listRequests(ctx context.Context, keep func(*types.Request) bool) ([]*types.Request, error) {
	var out []*types.Request
	err := s.scan(ctx, requestsPrefix, func(data []byte) error {
		var r types.Request
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.Participation == nil {
			r.Participation = make(map[common.Address]*types.Participation)
		}
		if keep(&r) {
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func (s *Store) GetFulfillment(ctx context.Context, id types.RequestID) (*types.Fulfillment, error) {
	var f types.Fulfillment
	if err := s.getJSON(ctx, fulfillmentKey(id), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// scan calls fn for every value under prefix in key order.
func (s *Store) scan(ctx context.Context, prefix string, fn func([]byte) error) error {
	results, err := s.ds.Query(ctx, query.Query{
		Prefix: prefix,
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return err
	}
	entries, err := results.Rest()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.Value); err != nil {
			return fmt.Errorf("decode %s: %w", e.Key, err)
		}
	}
	return nil
}
