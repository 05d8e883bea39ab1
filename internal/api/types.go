package api

import (
	"time"

	"github.com/baysandbox/bay/internal/session"
	"github.com/baysandbox/bay/internal/store"
)

// sandboxRepr is the wire shape of a sandbox (spec.md section 6.1).
type sandboxRepr struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Profile       string    `json:"profile"`
	WorkspaceID   string    `json:"workspace_id"`
	Capabilities  []string  `json:"capabilities"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     *string   `json:"expires_at,omitempty"`
	IdleExpiresAt *string   `json:"idle_expires_at,omitempty"`
}

// sandboxStatus derives the external status from a sandbox's current
// session, matching spec.md section 3's vocabulary exactly: idle (no
// current session), starting (pending/starting), ready (running), stopped
// (stopped/failed). "deleted" is handled by the caller from deleted_at,
// since a soft-deleted sandbox never reaches here through the store's
// deleted_at-filtered queries.
func sandboxStatus(sess *store.Session) string {
	if sess == nil {
		return "idle"
	}
	switch sess.ObservedState {
	case session.StateStarting, session.StatePending:
		return "starting"
	case session.StateRunning:
		return "ready"
	default:
		return "stopped"
	}
}

func (s *Server) toRepr(sb *store.Sandbox) (*sandboxRepr, error) {
	sess, err := s.sandboxes.GetCurrentSession(sb)
	if err != nil {
		return nil, err
	}

	prof, _ := s.cfg.GetProfile(sb.ProfileID)

	repr := &sandboxRepr{
		ID:           sb.ID,
		Status:       sandboxStatus(sess),
		Profile:      sb.ProfileID,
		WorkspaceID:  sb.WorkspaceID,
		Capabilities: prof.Capabilities,
		CreatedAt:    sb.CreatedAt,
	}
	if !sb.ExpiresAt.IsZero() {
		ea := sb.ExpiresAt.Format(time.RFC3339)
		repr.ExpiresAt = &ea
	}
	if !sb.IdleExpiresAt.IsZero() {
		ie := sb.IdleExpiresAt.Format(time.RFC3339)
		repr.IdleExpiresAt = &ie
	}
	return repr, nil
}
