package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/leravalera4/rps-game/gamedb"
)

// Router builds the HTTP surface: the websocket upgrade, a redundant
// stake-ack endpoint for when the realtime channel drops at exactly the
// wrong moment, and read-only status endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.gateway.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/session/{id}/stake-ack", s.handleStakeAck)
		r.Get("/session/{id}", s.handleSessionView)
		r.Get("/sessions/public", s.handlePublicSessions)
		r.Get("/finalization/{id}", s.handleFinalization)
	})
	return r
}

type stakeAckReq struct {
	Wallet string `json:"wallet"`
}

// handleStakeAck is the secondary path for reporting a confirmed stake
// transaction, deduplicated with the realtime event by sessionID+wallet.
func (s *Server) handleStakeAck(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req stakeAckReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Wallet == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "wallet required")
		return
	}
	if err := s.coord.StakeConfirmed(req.Wallet, sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"staked":     s.reconciler.StakedCount(sessionID),
	})
}

func (s *Server) handleSessionView(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.SessionView(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePublicSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.PublicSessions())
}

func (s *Server) handleFinalization(w http.ResponseWriter, r *http.Request) {
	rec, err := s.db.FetchFinalization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, gamedb.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "no finalization record")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeTryAgain, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := http.StatusBadRequest
	switch code {
	case CodeNotFound:
		status = http.StatusNotFound
	case CodeAlreadyFull, CodeWrongStatus, CodeDuplicateMove:
		status = http.StatusConflict
	case CodeTryAgain:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorPayload{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
