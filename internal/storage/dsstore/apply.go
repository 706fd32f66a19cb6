package dsstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	ds "github.com/ipfs/go-datastore"

	"github.com/relves/randao/internal/storage"
)

// Apply writes the changeset as one datastore batch. Callers serialize
// Apply with their own reads.
func (s *Store) Apply(ctx context.Context, cs *storage.Changeset) error {
	b, err := s.ds.Batch(ctx)
	if err != nil {
		return fmt.Errorf("open batch: %w", err)
	}

	put := func(k ds.Key, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		return b.Put(ctx, k, data)
	}
	putUint := func(k ds.Key, v uint64) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], v)
		return b.Put(ctx, k, buf[:])
	}

	if cs.NextGroupID != nil {
		if err := putUint(metaNextGroupID, uint64(*cs.NextGroupID)); err != nil {
			return err
		}
	}
	if cs.NextRequestID != nil {
		if err := putUint(metaNextRequestID, uint64(*cs.NextRequestID)); err != nil {
			return err
		}
	}
	if err := putUint(metaHead, cs.Height); err != nil {
		return err
	}

	for _, g := range cs.Groups {
		if err := put(groupKey(g.ID), g); err != nil {
			return err
		}
	}
	for _, m := range cs.Members {
		if err := put(memberKey(m.Group, m.Account), m); err != nil {
			return err
		}
	}
	for _, k := range cs.RemovedMembers {
		if err := b.Delete(ctx, memberKey(k.Group, k.Account)); err != nil {
			return err
		}
	}
	for _, r := range cs.Requests {
		if err := put(requestKey(r.ID), r); err != nil {
			return err
		}
	}
	for _, id := range cs.DeletedRequests {
		if err := b.Delete(ctx, requestKey(id)); err != nil {
			return err
		}
	}
	for _, f := range cs.Fulfillments {
		if err := put(fulfillmentKey(f.Request), f); err != nil {
			return err
		}
	}

	return b.Commit(ctx)
}
