// Package transport implements the thin RPC envelope around the
// decision procedure described in spec.md §6: the status/journal/
// intercept/complete/lock/unlock surface, exposed both as in-process
// hook functions (plugin mode) and as HTTP endpoints (server mode).
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gocallosum/callosum/pkg/gate"
	"github.com/gocallosum/callosum/pkg/model"
	"github.com/gocallosum/callosum/pkg/store"
)

// maxRequestBodySize bounds request bodies the RPC surface will decode.
const maxRequestBodySize = 1 << 20 // 1 MB

// statusContextWindow bounds how far back `status` looks for recent
// context activity, independent of any single rule's own dup window.
const statusContextWindow = 30 * time.Minute

// Server exposes the gate and store over HTTP for server-mode
// deployments, where several plugin instances share one coordination
// process instead of each opening their own store.
type Server struct {
	gate  *gate.Gate
	store store.Interface
}

// NewServer builds a Server bound to a running gate and its store.
func NewServer(g *gate.Gate, st store.Interface) *Server {
	return &Server{gate: g, store: st}
}

// callerInstance resolves the identity a request's decision should run
// under. Server mode is several plugin instances sharing one gate, so
// each intercept/complete RPC carries its own instance field and that
// takes precedence; an empty field falls back to the gate's own bound
// identity rather than rejecting the request outright.
func (s *Server) callerInstance(reqInstance string) string {
	if reqInstance != "" {
		return reqInstance
	}
	return s.gate.Instance
}

// RegisterHTTPHandlers registers all transport endpoints under prefix
// (e.g. "/rpc") on mux, matching the naming in spec.md §6's RPC table.
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"/status", s.handleStatus)
	mux.HandleFunc(prefix+"/journal", s.handleJournal)
	mux.HandleFunc(prefix+"/intercept", s.handleIntercept)
	mux.HandleFunc(prefix+"/complete", s.handleComplete)
	mux.HandleFunc(prefix+"/lock", s.handleLock)
	mux.HandleFunc(prefix+"/unlock", s.handleUnlock)
}

// statusResponse mirrors spec.md §6's `status` RPC shape.
type statusResponse struct {
	Locks          []model.Lock          `json:"locks"`
	RecentContexts []model.ContextRecord `json:"recentContexts,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	locks, err := s.store.ListLocks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	recent, err := s.store.ListRecentContext(time.Now().Add(-statusContextWindow))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Locks: locks, RecentContexts: recent})
}

type journalResponse struct {
	Entries []model.JournalEntry `json:"entries"`
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	since := int64(0)
	if v := r.URL.Query().Get("sinceId"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			since = int64(n)
		}
	}
	entries, err := s.store.ListJournal(since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, journalResponse{Entries: entries})
}

type interceptRequest struct {
	Instance string       `json:"instance"`
	Tool     string       `json:"tool"`
	Params   model.Params `json:"params"`
}

type interceptResponse struct {
	Proceed     bool             `json:"proceed"`
	Tier        model.Tier       `json:"tier"`
	ContextKey  model.ContextKey `json:"contextKey,omitempty"`
	RuleName    string           `json:"ruleName"`
	Warning     string           `json:"warning,omitempty"`
	BlockReason string           `json:"blockReason,omitempty"`
	ID          int64            `json:"id"`
}

func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req interceptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	verdict, err := s.gate.BeforeToolCall(s.callerInstance(req.Instance), req.Tool, req.Params)
	if err != nil {
		// The gate already turned this into a Block verdict whose reason
		// names the store failure; it is returned with a 200 status.
		writeJSON(w, http.StatusOK, interceptResponse{
			Proceed: false, Tier: verdict.Tier, ContextKey: verdict.ContextKey,
			RuleName: verdict.RuleName, BlockReason: verdict.Reason, ID: verdict.JournalID,
		})
		return
	}

	resp := interceptResponse{
		Proceed:    verdict.Proceed(),
		Tier:       verdict.Tier,
		ContextKey: verdict.ContextKey,
		RuleName:   verdict.RuleName,
		ID:         verdict.JournalID,
	}
	switch verdict.Kind {
	case gate.KindWarn:
		resp.Warning = verdict.Reason
	case gate.KindPause, gate.KindBlock:
		resp.BlockReason = verdict.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

type completeRequest struct {
	Instance string       `json:"instance"`
	Tool     string       `json:"tool"`
	Params   model.Params `json:"params"`
	Error    string       `json:"error,omitempty"`
}

type completeResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var callErr error
	if req.Error != "" {
		callErr = errors.New(req.Error)
	}
	if err := s.gate.AfterToolCall(s.callerInstance(req.Instance), req.Tool, req.Params, callErr); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{OK: true})
}

type lockRequest struct {
	Instance   string           `json:"instance"`
	ContextKey model.ContextKey `json:"contextKey"`
	Tier       model.Tier       `json:"tier"`
	TTLMs      int64            `json:"ttlMs,omitempty"`
}

type lockResponse struct {
	Acquired bool   `json:"acquired"`
	Conflict string `json:"conflict,omitempty"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req lockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ttl := 5 * time.Minute
	if req.TTLMs > 0 {
		ttl = time.Duration(req.TTLMs) * time.Millisecond
	}
	acquired, err := s.store.AcquireLock(req.Instance, req.ContextKey, req.Tier, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := lockResponse{Acquired: acquired}
	if !acquired {
		if l, err := s.store.GetLock(req.ContextKey); err == nil && l != nil {
			resp.Conflict = l.Instance
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req lockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.ReleaseLock(req.Instance, req.ContextKey); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{OK: true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid non-negative integer: " + s)
	}
	return n, nil
}
