// Package tlog keeps a tile-based transparency log of fulfillments. Every
// finalized request is appended as one leaf and the log publishes signed
// checkpoints, so outputs cannot be rewritten after the fact.
package tlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/transparency-dev/tessera"
	"github.com/transparency-dev/tessera/api"
	"github.com/transparency-dev/tessera/api/layout"
	"github.com/transparency-dev/tessera/storage/posix"
	"golang.org/x/mod/sumdb/note"

	"github.com/relves/randao/pkg/randao"
)

// Config configures a Log.
type Config struct {
	// Path is the directory the log is stored in.
	Path string
	Keys Keys
	// CheckpointInterval bounds how often checkpoints are published. Default: 1s.
	CheckpointInterval time.Duration
	// BatchMaxAge bounds how long an entry waits to be sequenced. Default: 100ms.
	BatchMaxAge time.Duration
	Logger      *slog.Logger
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = time.Second
	}
	if c.BatchMaxAge <= 0 {
		c.BatchMaxAge = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Log is a fulfillment log on local storage.
type Log struct {
	appender *tessera.Appender
	reader   tessera.LogReader
	shutdown func(context.Context) error
	origin   string
	verifier string
	logger   *slog.Logger

	// pending tracks appends awaiting their index.
	pending sync.WaitGroup
}

var _ randao.EventSink = (*Log)(nil)

// Open opens or creates the log under cfg.Path.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	cfg.ApplyDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("log path is required")
	}

	signer, err := note.NewSigner(cfg.Keys.Signer)
	if err != nil {
		return nil, fmt.Errorf("checkpoint signer: %w", err)
	}

	driver, err := posix.New(ctx, posix.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("create log storage: %w", err)
	}

	opts := tessera.NewAppendOptions().
		WithCheckpointSigner(signer).
		WithCheckpointInterval(cfg.CheckpointInterval).
		WithBatching(256, cfg.BatchMaxAge)

	appender, shutdown, reader, err := tessera.NewAppender(ctx, driver, opts)
	if err != nil {
		return nil, fmt.Errorf("create appender: %w", err)
	}

	cfg.Logger.Info("fulfillment log opened", "path", cfg.Path, "origin", signer.Name())
	return &Log{
		appender: appender,
		reader:   reader,
		shutdown: shutdown,
		origin:   signer.Name(),
		verifier: cfg.Keys.Verifier,
		logger:   cfg.Logger,
	}, nil
}

// Origin returns the checkpoint origin line.
func (l *Log) Origin() string {
	return l.origin
}

// VerifierKey returns the signed-note verifier key of the checkpoints.
func (l *Log) VerifierKey() string {
	return l.verifier
}

// Append adds e and waits until it is sequenced.
func (l *Log) Append(ctx context.Context, e Entry) (uint64, error) {
	data, err := e.MarshalBinary()
	if err != nil {
		return 0, err
	}
	idx, err := l.appender.Add(ctx, tessera.NewEntry(data))()
	if err != nil {
		return 0, fmt.Errorf("append request %d: %w", e.Request, err)
	}
	return idx.Index, nil
}

// Emit logs fulfillment events. Entries are queued in event order and their
// indices are awaited in the background.
func (l *Log) Emit(ctx context.Context, ev randao.Event) {
	f, ok := ev.(randao.RandomnessFulfilled)
	if !ok {
		return
	}
	e := EntryFromEvent(f)
	data, err := e.MarshalBinary()
	if err != nil {
		l.logger.Error("failed to encode log entry", "request", e.Request, "error", err)
		return
	}
	future := l.appender.Add(context.WithoutCancel(ctx), tessera.NewEntry(data))

	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		idx, err := future()
		if err != nil {
			l.logger.Error("failed to log fulfillment", "request", e.Request, "error", err)
			return
		}
		l.logger.Debug("fulfillment logged", "request", e.Request, "index", idx.Index)
	}()
}

// Size returns the number of integrated entries.
func (l *Log) Size(ctx context.Context) (uint64, error) {
	return l.reader.IntegratedSize(ctx)
}

// Checkpoint returns the latest signed checkpoint.
func (l *Log) Checkpoint(ctx context.Context) ([]byte, error) {
	return l.reader.ReadCheckpoint(ctx)
}

// Tile returns a hash tile.
func (l *Log) Tile(ctx context.Context, level, index uint64, p uint8) ([]byte, error) {
	return l.reader.ReadTile(ctx, level, index, p)
}

// EntryBundle returns an entry bundle.
func (l *Log) EntryBundle(ctx context.Context, index uint64, p uint8) ([]byte, error) {
	return l.reader.ReadEntryBundle(ctx, index, p)
}

// Entries returns the integrated entries in [start, end).
func (l *Log) Entries(ctx context.Context, start, end uint64) ([]Entry, error) {
	size, err := l.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("read log size: %w", err)
	}
	if end > size {
		end = size
	}
	if start >= end {
		return nil, nil
	}

	var out []Entry
	for bundle := start / layout.EntryBundleWidth; bundle*layout.EntryBundleWidth < end; bundle++ {
		first := bundle * layout.EntryBundleWidth
		// Bundles are partial only at the end of the log.
		var p uint8
		if n := size - first; n < layout.EntryBundleWidth {
			p = uint8(n)
		}

		raw, err := l.reader.ReadEntryBundle(ctx, bundle, p)
		if err != nil {
			return nil, fmt.Errorf("read bundle %d: %w", bundle, err)
		}
		var b api.EntryBundle
		if err := b.UnmarshalText(raw); err != nil {
			return nil, fmt.Errorf("parse bundle %d: %w", bundle, err)
		}

		for i, data := range b.Entries {
			n := first + uint64(i)
			if n < start || n >= end {
				continue
			}
			var e Entry
			if err := e.UnmarshalBinary(data); err != nil {
				return nil, fmt.Errorf("entry %d: %w", n, err)
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// Close waits for queued entries and stops the appender. If ctx ends first,
// the appender is left running and ctx's error is returned.
func (l *Log) Close(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		l.logger.Warn("fulfillment log closed with entries pending", "error", ctx.Err())
		return fmt.Errorf("wait for pending entries: %w", ctx.Err())
	}
	return l.shutdown(ctx)
}
