package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/relves/randao/pkg/tlog"
)

// LogSource serves the fulfillment log.
type LogSource interface {
	Checkpoint(ctx context.Context) ([]byte, error)
	Tile(ctx context.Context, level, index uint64, p uint8) ([]byte, error)
	EntryBundle(ctx context.Context, index uint64, p uint8) ([]byte, error)
	Entries(ctx context.Context, start, end uint64) ([]tlog.Entry, error)
	VerifierKey() string
}

// maxLogEntries bounds one GET /log/entries response.
const maxLogEntries = 1000

// handleCheckpoint serves GET /log/checkpoint.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.cfg.Log.Checkpoint(r.Context())
	if err != nil {
		s.writeLogError(w, r, err)
		return
	}
	// Short-lived cache per tlog-tiles.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=5")
	w.Write(checkpoint)
}

// handleVerifierKey serves GET /log/key.
func (s *Server) handleVerifierKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, s.cfg.Log.VerifierKey())
}

// handleTile serves GET /log/tile/<L>/<N>[.p/<W>].
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	level, err := strconv.ParseUint(r.PathValue("level"), 10, 64)
	if err != nil || level > 63 {
		writeFailure(w, http.StatusBadRequest, "InvalidTilePath", "level must be 0-63")
		return
	}
	index, p, err := parseTilePath(r.PathValue("tilePath"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "InvalidTilePath", err.Error())
		return
	}

	tile, err := s.cfg.Log.Tile(r.Context(), level, index, p)
	if err != nil {
		s.writeLogError(w, r, err)
		return
	}
	writeTile(w, tile)
}

// handleEntryBundle serves GET /log/tile/entries/<N>[.p/<W>].
func (s *Server) handleEntryBundle(w http.ResponseWriter, r *http.Request) {
	index, p, err := parseTilePath(r.PathValue("entryPath"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "InvalidTilePath", err.Error())
		return
	}

	bundle, err := s.cfg.Log.EntryBundle(r.Context(), index, p)
	if err != nil {
		s.writeLogError(w, r, err)
		return
	}
	writeTile(w, bundle)
}

// handleLogEntries serves GET /log/entries?start=N&end=M as decoded JSON.
func (s *Server) handleLogEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := strconv.ParseUint(q.Get("start"), 10, 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "InvalidRange", "start must be an unsigned integer")
		return
	}
	end := start + maxLogEntries
	if v := q.Get("end"); v != "" {
		if end, err = strconv.ParseUint(v, 10, 64); err != nil || end < start {
			writeFailure(w, http.StatusBadRequest, "InvalidRange", "end must be an unsigned integer not below start")
			return
		}
		end = min(end, start+maxLogEntries)
	}

	entries, err := s.cfg.Log.Entries(r.Context(), start, end)
	if err != nil {
		s.writeLogError(w, r, err)
		return
	}
	if entries == nil {
		entries = []tlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Tiles and bundles never change once published.
func writeTile(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(data)
}

func (s *Server) writeLogError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		writeFailure(w, http.StatusNotFound, "LogResourceNotFound", err.Error())
		return
	}
	s.writeError(w, r, err)
}

// parseTilePath parses x001/234 or x001/234.p/128 into the tile index and
// partial width (0 for full tiles).
func parseTilePath(path string) (uint64, uint8, error) {
	base, partial, isPartial := strings.Cut(path, ".p/")

	var width uint8
	if isPartial {
		v, err := strconv.ParseUint(partial, 10, 8)
		if err != nil || v == 0 {
			return 0, 0, fmt.Errorf("invalid partial width (must be 1-255)")
		}
		width = uint8(v)
	}

	segments := strings.Split(base, "/")
	var digits strings.Builder
	for i, seg := range segments {
		if i < len(segments)-1 {
			var ok bool
			if seg, ok = strings.CutPrefix(seg, "x"); !ok {
				return 0, 0, fmt.Errorf("segment %q must be prefixed with x", seg)
			}
		}
		if len(seg) != 3 {
			return 0, 0, fmt.Errorf("segment %q must have 3 digits", seg)
		}
		digits.WriteString(seg)
	}

	index, err := strconv.ParseUint(digits.String(), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid index: %w", err)
	}
	return index, width, nil
}
