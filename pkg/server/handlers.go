package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relves/randao/pkg/types"
)

// RegisterGroupRequest is the body of POST /groups.
type RegisterGroupRequest struct {
	Coordinator common.Address    `json:"coordinator"`
	Params      types.GroupParams `json:"params"`
}

// GroupResponse identifies a group.
type GroupResponse struct {
	Group types.GroupID `json:"group"`
}

// SetMembersRequest is the body of POST /groups/{groupID}/members.
type SetMembersRequest struct {
	Add    []common.Address `json:"add"`
	Remove []common.Address `json:"remove"`
}

// RequestResponse identifies a request.
type RequestResponse struct {
	Request types.RequestID `json:"request"`
}

// CommitRequest is the body of POST /requests/{requestID}/commit.
type CommitRequest struct {
	Commitment common.Hash `json:"commitment"`
}

// RevealRequest is the body of POST /requests/{requestID}/reveal.
type RevealRequest struct {
	Secret common.Hash `json:"secret"`
}

// Header names used by the precompile endpoint.
const (
	HeaderGasLimit = "X-Gas-Limit"
	HeaderGasUsed  = "X-Gas-Used"
)

// handleRegisterGroup handles POST /groups.
func (s *Server) handleRegisterGroup(w http.ResponseWriter, r *http.Request) {
	var req RegisterGroupRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return
	}
	id, err := s.cfg.Beacon.RegisterGroup(r.Context(), caller(r), req.Coordinator, req.Params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, GroupResponse{Group: id})
}

// handleUpdateGroup handles PUT /groups/{groupID}.
func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathGroupID(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidGroupID", "groupID must be a 32-bit unsigned integer")
		return
	}
	var params types.GroupParams
	if err := decodeBody(r, &params); err != nil {
		writeFailure(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return
	}
	if err := s.cfg.Beacon.UpdateGroup(r.Context(), caller(r), id, params); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GroupResponse{Group: id})
}

// handleSetMembers handles POST /groups/{groupID}/members.
func (s *Server) handleSetMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathGroupID(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidGroupID", "groupID must be a 32-bit unsigned integer")
		return
	}
	var req SetMembersRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return
	}
	if err := s.cfg.Beacon.SetMembers(r.Context(), caller(r), id, req.Add, req.Remove); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.cfg.Beacon.GroupInfo(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRequestRandomness handles POST /groups/{groupID}/requests.
// The caller is the requester and pays the fee.
func (s *Server) handleRequestRandomness(w http.ResponseWriter, r *http.Request) {
	id, ok := pathGroupID(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidGroupID", "groupID must be a 32-bit unsigned integer")
		return
	}
	reqID, err := s.cfg.Beacon.RequestRandomness(r.Context(), caller(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RequestResponse{Request: reqID})
}

// handleCommit handles POST /requests/{requestID}/commit.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathRequestID(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidRequestID", "requestID must be a 64-bit unsigned integer")
		return
	}
	var req CommitRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return
	}
	if err := s.cfg.Beacon.Commit(r.Context(), caller(r), id, req.Commitment); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RequestResponse{Request: id})
}

// handleReveal handles POST /requests/{requestID}/reveal.
func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathRequestID(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidRequestID", "requestID must be a 64-bit unsigned integer")
		return
	}
	var req RevealRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return
	}
	if err := s.cfg.Beacon.Reveal(r.Context(), caller(r), id, req.Secret); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RequestResponse{Request: id})
}

// handleFinalize handles POST /requests/{requestID}/finalize.
// Any authenticated caller may finalize.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathRequestID(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "InvalidRequestID", "requestID must be a 64-bit unsigned integer")
		return
	}
	f, err := s.cfg.Beacon.Finalize(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handlePrecompile handles POST /precompile/randomness.
// The body is raw ABI call data; the response body is the raw ABI result.
func (s *Server) handlePrecompile(w http.ResponseWriter, r *http.Request) {
	input, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFailure(w, http.StatusRequestEntityTooLarge, "BodyTooLarge", err.Error())
		return
	}
	limit := s.cfg.DefaultGasLimit
	if v := r.Header.Get(HeaderGasLimit); v != "" {
		if limit, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeFailure(w, http.StatusBadRequest, "InvalidGasLimit", err.Error())
			return
		}
	}
	out, used, err := s.cfg.Precompile.Call(input, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(HeaderGasUsed, strconv.FormatUint(used, 10))
	w.Write(out)
}
