package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ipfs/go-cid"

	"github.com/relves/randao/pkg/precompile"
	"github.com/relves/randao/pkg/types"
)

// CountersResponse is the response for GET /counters.
type CountersResponse struct {
	NextGroupID   types.GroupID   `json:"next_group_id"`
	NextRequestID types.RequestID `json:"next_request_id"`
	Block         uint64          `json:"block"`
}

// FlipResponse is the response for GET /flip/random.
type FlipResponse struct {
	Output     common.Hash `json:"output"`
	KnownSince uint64      `json:"known_since"`
}

// MaterialResponse is the response for GET /flip/material.
type MaterialResponse struct {
	Material []common.Hash `json:"material"`
}

func pathGroupID(r *http.Request) (types.GroupID, bool) {
	v, err := strconv.ParseUint(r.PathValue("groupID"), 10, 32)
	return types.GroupID(v), err == nil
}

func pathRequestID(r *http.Request) (types.RequestID, bool) {
	v, err := strconv.ParseUint(r.PathValue("requestID"), 10, 64)
	return types.RequestID(v), err == nil
}

func pathAccount(r *http.Request) (common.Address, bool) {
	v := r.PathValue("account")
	return common.HexToAddress(v), common.IsHexAddress(v)
}

// handleGetGroup handles GET /groups/{groupID}.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathGroupID(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidGroupID", "groupID must be a 32-bit unsigned integer")
		return
	}
	status, err := s.cfg.Beacon.GroupInfo(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleGetRequest handles GET /requests/{requestID}.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathRequestID(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidRequestID", "requestID must be a 64-bit unsigned integer")
		return
	}
	status, err := s.cfg.Beacon.RequestInfo(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAccountRequests handles GET /accounts/{account}/requests.
func (s *Server) handleAccountRequests(w http.ResponseWriter, r *http.Request) {
	acct, ok := pathAccount(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidAccount", "account must be a hex address")
		return
	}
	reqs, err := s.cfg.Beacon.OpenRequests(r.Context(), acct)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// handleAccountResults handles GET /accounts/{account}/results.
func (s *Server) handleAccountResults(w http.ResponseWriter, r *http.Request) {
	acct, ok := pathAccount(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidAccount", "account must be a hex address")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Results.Results(acct))
}

// handleCounters handles GET /counters.
func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CountersResponse{
		NextGroupID:   s.cfg.Beacon.GroupIDCounter(),
		NextRequestID: s.cfg.Beacon.RequestIDCounter(),
		Block:         s.cfg.Beacon.CurrentBlock(),
	})
}

// handleGetReceipt handles GET /receipts/{cid}.
// Returns DAG-JSON, or the raw DAG-CBOR block with ?format=dag-cbor.
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	c, err := cid.Decode(r.PathValue("cid"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "InvalidCID", err.Error())
		return
	}

	if r.URL.Query().Get("format") == "dag-cbor" {
		data, err := s.cfg.Receipts.Raw(r.Context(), c)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.ipld.dag-cbor")
		w.Write(data)
		return
	}

	data, err := s.cfg.Receipts.JSON(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// maxBundleRequests bounds the receipts of one bundle.
const maxBundleRequests = 256

// handleReceiptBundle handles GET /receipts/bundle?request=1&request=2.
// Returns a CAR whose root directory names each receipt by its request id.
func (s *Server) handleReceiptBundle(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["request"]
	if len(ids) == 0 || len(ids) > maxBundleRequests {
		writeFailure(w, http.StatusBadRequest, "InvalidBundle",
			fmt.Sprintf("between 1 and %d request parameters are required", maxBundleRequests))
		return
	}

	entries := make(map[string]cid.Cid, len(ids))
	for _, v := range ids {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "InvalidRequestID", "request must be a 64-bit unsigned integer")
			return
		}
		status, err := s.cfg.Beacon.RequestInfo(r.Context(), types.RequestID(id))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if status.Fulfillment == nil || status.Fulfillment.ReceiptCID == "" {
			writeFailure(w, http.StatusConflict, "NoReceipt", fmt.Sprintf("request %d has no receipt", id))
			return
		}
		c, err := cid.Decode(status.Fulfillment.ReceiptCID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		entries[strconv.FormatUint(id, 10)] = c
	}

	var buf bytes.Buffer
	root, err := s.cfg.Receipts.Bundle(r.Context(), entries, &buf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ipld.car; version=1")
	w.Header().Set("X-Root-CID", root.String())
	w.Write(buf.Bytes())
}

// handleFlipRandom handles GET /flip/random?subject=0x...
func (s *Server) handleFlipRandom(w http.ResponseWriter, r *http.Request) {
	var subject []byte
	if v := r.URL.Query().Get("subject"); v != "" {
		var err error
		if len(v) > 2+2*precompile.MaxSubjectLen {
			err = fmt.Errorf("subject exceeds %d bytes", precompile.MaxSubjectLen)
		} else {
			subject, err = hexutil.Decode(v)
		}
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "InvalidSubject", err.Error())
			return
		}
	}
	out, known := s.cfg.Flip.Random(subject)
	writeJSON(w, http.StatusOK, FlipResponse{Output: out, KnownSince: known})
}

// handleFlipMaterial handles GET /flip/material.
func (s *Server) handleFlipMaterial(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MaterialResponse{Material: s.cfg.Flip.Material()})
}
