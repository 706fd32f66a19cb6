package receipts

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/ipfs/boxo/blockservice"
	"github.com/ipfs/boxo/exchange/offline"
	"github.com/ipfs/boxo/ipld/merkledag"
	ufsio "github.com/ipfs/boxo/ipld/unixfs/io"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	format "github.com/ipfs/go-ipld-format"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
)

// Bundle writes a CARv1 to w whose root is a UnixFS directory mapping each
// entry name to a receipt. Directory nodes and receipt blocks are both
// included. It returns the root CID.
func (a *Archive) Bundle(ctx context.Context, entries map[string]cid.Cid, w io.Writer) (cid.Cid, error) {
	// Directory nodes are built in a scratch blockstore; only receipts live
	// in the archive.
	bs := blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	dag := merkledag.NewDAGService(blockservice.New(bs, offline.Exchange(bs)))

	dir, err := ufsio.NewDirectory(dag)
	if err != nil {
		return cid.Undef, fmt.Errorf("create directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := entries[name]
		size, err := a.bs.GetSize(ctx, c)
		if format.IsNotFound(err) {
			return cid.Undef, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		if err != nil {
			return cid.Undef, err
		}
		if err := dir.AddChild(ctx, name, &receiptLink{c: c, size: uint64(size)}); err != nil {
			return cid.Undef, fmt.Errorf("add %s: %w", name, err)
		}
	}

	root, err := dir.GetNode()
	if err != nil {
		return cid.Undef, fmt.Errorf("get directory node: %w", err)
	}
	if err := dag.Add(ctx, root); err != nil {
		return cid.Undef, fmt.Errorf("add directory: %w", err)
	}

	if err := car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{root.Cid()}, Version: 1}, w); err != nil {
		return cid.Undef, fmt.Errorf("write car header: %w", err)
	}

	seen := make(map[cid.Cid]bool)
	var write func(c cid.Cid) error
	write = func(c cid.Cid) error {
		if seen[c] {
			return nil
		}
		seen[c] = true

		if c.Type() != cid.DagProtobuf {
			data, err := a.Raw(ctx, c)
			if err != nil {
				return err
			}
			return carutil.LdWrite(w, c.Bytes(), data)
		}

		node, err := dag.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("load directory node %s: %w", c, err)
		}
		if err := carutil.LdWrite(w, c.Bytes(), node.RawData()); err != nil {
			return err
		}
		for _, link := range node.Links() {
			if err := write(link.Cid); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(root.Cid()); err != nil {
		return cid.Undef, fmt.Errorf("write car: %w", err)
	}

	a.logger.Debug("bundled receipts", "root", root.Cid().String(), "receipts", len(entries))
	return root.Cid(), nil
}

// receiptLink stands in for an archived receipt when linking it from a
// directory. Only the CID and size are used.
type receiptLink struct {
	c    cid.Cid
	size uint64
}

func (n *receiptLink) Cid() cid.Cid                                         { return n.c }
func (n *receiptLink) RawData() []byte                                      { return nil }
func (n *receiptLink) String() string                                       { return n.c.String() }
func (n *receiptLink) Loggable() map[string]interface{}                     { return nil }
func (n *receiptLink) Resolve([]string) (interface{}, []string, error)      { return nil, nil, nil }
func (n *receiptLink) Tree(string, int) []string                            { return nil }
func (n *receiptLink) ResolveLink([]string) (*format.Link, []string, error) { return nil, nil, nil }
func (n *receiptLink) Copy() format.Node                                    { return &receiptLink{c: n.c, size: n.size} }
func (n *receiptLink) Links() []*format.Link                                { return nil }
func (n *receiptLink) Stat() (*format.NodeStat, error)                      { return &format.NodeStat{}, nil }
func (n *receiptLink) Size() (uint64, error)                                { return n.size, nil }
