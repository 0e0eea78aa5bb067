package storage

import (
	"fmt"
	"time"
)

// SessionRecord is the registry entry for one live gateway session
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Status       string    `json:"status"`
}

//validation helper for session records
func (s *SessionRecord) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if s.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	return nil
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func tenantSessionsKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:sessions", tenantID)
}

const activeSessionsKey = "active:sessions"
