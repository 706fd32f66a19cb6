package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"

	"github.com/relves/randao/internal/receipts"
	"github.com/relves/randao/pkg/delivery"
	"github.com/relves/randao/pkg/precompile"
	"github.com/relves/randao/pkg/randao"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ResultSource returns results delivered to a requester.
type ResultSource interface {
	Results(requester common.Address) []delivery.Result
}

// ReceiptSource reads archived fulfillment receipts.
type ReceiptSource interface {
	Raw(ctx context.Context, c cid.Cid) ([]byte, error)
	JSON(ctx context.Context, c cid.Cid) ([]byte, error)
	Bundle(ctx context.Context, entries map[string]cid.Cid, w io.Writer) (cid.Cid, error)
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Server serves the beacon over HTTP.
type Server struct {
	cfg    *Config
	mux    *http.ServeMux
	nonces *nonceCache
}

// NewServer creates a server with optional validation.
//
// Parameters:
//   - opts: Configuration options (WithBeacon, WithResults, WithReceipts, WithFlip, WithValidator, ...)
func NewServer(opts ...Option) (*Server, error) {
	cfg := applyOptions(opts...)
	if cfg.Beacon == nil {
		return nil, errors.New("beacon is required")
	}

	nonces, err := newNonceCache(cfg.NonceCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux(), nonces: nonces}

	s.handle("POST /groups", s.authenticated(s.handleRegisterGroup))
	s.handle("GET /groups/{groupID}", s.handleGetGroup)
	s.handle("PUT /groups/{groupID}", s.authenticated(s.handleUpdateGroup))
	s.handle("POST /groups/{groupID}/members", s.authenticated(s.handleSetMembers))
	s.handle("POST /groups/{groupID}/requests", s.authenticated(s.handleRequestRandomness))
	s.handle("GET /requests/{requestID}", s.handleGetRequest)
	s.handle("POST /requests/{requestID}/commit", s.authenticated(s.handleCommit))
	s.handle("POST /requests/{requestID}/reveal", s.authenticated(s.handleReveal))
	s.handle("POST /requests/{requestID}/finalize", s.authenticated(s.handleFinalize))
	s.handle("GET /accounts/{account}/requests", s.handleAccountRequests)
	s.handle("GET /counters", s.handleCounters)
	if cfg.Results != nil {
		s.handle("GET /accounts/{account}/results", s.handleAccountResults)
	}
	if cfg.Receipts != nil {
		s.handle("GET /receipts/{cid}", s.handleGetReceipt)
		s.handle("GET /receipts/bundle", s.handleReceiptBundle)
	}
	if cfg.Flip != nil {
		s.handle("GET /flip/random", s.handleFlipRandom)
		s.handle("GET /flip/material", s.handleFlipMaterial)
		s.handle("POST /precompile/randomness", s.handlePrecompile)
	}
	if cfg.Log != nil {
		s.handle("GET /log/checkpoint", s.handleCheckpoint)
		s.handle("GET /log/key", s.handleVerifierKey)
		s.handle("GET /log/entries", s.handleLogEntries)
		s.handle("GET /log/tile/{level}/{tilePath...}", s.handleTile)
		s.handle("GET /log/tile/entries/{entryPath...}", s.handleEntryBundle)
	}
	if cfg.MetricsHandler != nil {
		s.mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	if s.cfg.Metrics == nil {
		s.mux.HandleFunc(pattern, h)
		return
	}
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.cfg.Metrics.Observe(pattern, rec.status, time.Since(start))
	})
}

type callerKey struct{}

// caller returns the authenticated caller of r.
func caller(r *http.Request) common.Address {
	addr, _ := r.Context().Value(callerKey{}).(common.Address)
	return addr
}

type bodyKey struct{}

// authenticated reads the body, verifies its signature and runs the
// validator before h.
func (s *Server) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeFailure(w, http.StatusRequestEntityTooLarge, "BodyTooLarge", err.Error())
			return
		}
		addr, err := s.authenticate(r, body)
		if errors.Is(err, ErrReplayedRequest) {
			writeFailure(w, http.StatusConflict, "ReplayedRequest", err.Error())
			return
		}
		if err != nil {
			writeFailure(w, http.StatusUnauthorized, "Unauthenticated", err.Error())
			return
		}
		if s.cfg.Validator != nil {
			if err := s.cfg.Validator.ValidateRequest(r.Context(), addr, r); err != nil {
				var vErr *ValidationError
				if errors.As(err, &vErr) {
					writeFailure(w, http.StatusForbidden, vErr.Code, vErr.Message)
					return
				}
				writeFailure(w, http.StatusForbidden, "VALIDATION_ERROR", err.Error())
				return
			}
		}
		ctx := context.WithValue(r.Context(), callerKey{}, addr)
		ctx = context.WithValue(ctx, bodyKey{}, body)
		h(w, r.WithContext(ctx))
	}
}

// decodeBody decodes the authenticated body of r into v. An empty body
// leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	body, _ := r.Context().Value(bodyKey{}).([]byte)
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, ErrorResponse{Name: name, Message: message})
}

// writeError maps err to a status and a stable name.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	name, class := randao.ErrorCode(err)
	status := http.StatusInternalServerError
	switch class {
	case randao.ClassValidation:
		status = http.StatusBadRequest
	case randao.ClassAuthorization:
		status = http.StatusForbidden
	case randao.ClassNotFound:
		status = http.StatusNotFound
	case randao.ClassConflict:
		status = http.StatusConflict
	case randao.ClassFunds:
		status = http.StatusPaymentRequired
	}
	if class == randao.ClassInternal {
		switch {
		case errors.Is(err, receipts.ErrNotFound):
			name, status = "ReceiptNotFound", http.StatusNotFound
		case errors.Is(err, precompile.ErrOutOfGas):
			name, status = "OutOfGas", http.StatusBadRequest
		case errors.Is(err, precompile.ErrInputTooShort),
			errors.Is(err, precompile.ErrUnknownSelector),
			errors.Is(err, precompile.ErrSubjectTooLarge),
			errors.Is(err, precompile.ErrMalformedInput):
			name, status = "InvalidCall", http.StatusBadRequest
		default:
			s.cfg.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		}
	}
	writeFailure(w, status, name, err.Error())
}
