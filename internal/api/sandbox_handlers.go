package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/baysandbox/bay/internal/bayerr"
	"github.com/baysandbox/bay/internal/sandbox"
)

type createSandboxRequest struct {
	Profile     string `json:"profile"`
	WorkspaceID string `json:"workspace_id"`
	TTLSeconds  int    `json:"ttl"`
}

// handleCreateSandbox implements POST /v1/sandboxes, including the
// Idempotency-Key check/reserve/save cycle of spec.md section 4.6.
func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, r, bayerr.Wrap(bayerr.CodeValidation, "reading request body", err))
		return
	}

	var req createSandboxRequest
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &req); err != nil {
			writeError(w, r, bayerr.Wrap(bayerr.CodeValidation, "invalid json", err))
			return
		}
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, bayerr.New(bayerr.CodeValidation, "ttl must be non-negative"))
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && s.idempotency.Enabled() {
		cached, err := s.idempotency.Check(owner, idemKey, r.Method, r.URL.Path, string(bodyBytes))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.StatusCode)
			w.Write(cached.Snapshot)
			return
		}
		reserved, err := s.idempotency.Reserve(owner, idemKey, r.Method, r.URL.Path, string(bodyBytes))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !reserved {
			// A concurrent request holds this key; ask the client to retry
			// rather than racing the save (spec.md section 7 policy).
			writeError(w, r, bayerr.SessionNotReady("", 500))
			return
		}
	}

	sb, err := s.sandboxes.Create(r.Context(), owner, sandbox.CreateOpts{
		ProfileID:   req.Profile,
		WorkspaceID: req.WorkspaceID,
		TTLSeconds:  req.TTLSeconds,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	repr, err := s.toRepr(sb)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(repr)

	if idemKey != "" && s.idempotency.Enabled() {
		_ = s.idempotency.Save(owner, idemKey, http.StatusCreated, buf.Bytes())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(buf.Bytes())
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)

	limit, err := parseListLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	cursor := r.URL.Query().Get("cursor")
	statusFilter := r.URL.Query().Get("status")

	sandboxes, err := s.sandboxes.List(owner, cursor, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]*sandboxRepr, 0, len(sandboxes))
	var nextCursor string
	for _, sb := range sandboxes {
		repr, err := s.toRepr(sb)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if statusFilter != "" && repr.Status != statusFilter {
			continue
		}
		items = append(items, repr)
		nextCursor = sb.ID
	}

	resp := map[string]any{"items": items}
	if len(sandboxes) == limit {
		resp["next_cursor"] = nextCursor
	} else {
		resp["next_cursor"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	repr, err := s.toRepr(sb)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repr)
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.sandboxes.Keepalive(sb); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.sandboxes.Stop(r.Context(), sb); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.sandboxes.Delete(r.Context(), sb); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
