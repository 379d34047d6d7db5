package domain

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

type Role string

const (
	RoleAdmin        Role = "admin"
	RolePractitioner Role = "osteopath"
	RoleAssistant    Role = "assistant"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RolePractitioner, RoleAssistant:
		return true
	}
	return false
}

// NormalizeRole maps the spellings found in user documents ("Ostéopathe",
// "osteo", ...) onto a Role.
func NormalizeRole(raw string) Role {
	folded := strings.ToLower(strings.TrimSpace(stripAccents(raw)))
	switch folded {
	case "osteopath", "osteopathe", "osteo", "practitioner":
		return RolePractitioner
	case "admin", "administrator":
		return RoleAdmin
	case "assistant", "secretary", "secretaire":
		return RoleAssistant
	}
	return Role(folded)
}

func stripAccents(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if r >= 0x300 && r <= 0x36f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type User struct {
	ID          string
	Email       string
	DisplayName string
	Role        Role
}

type AuditAction string

const (
	ActionSyncFromPatient      AuditAction = "auto_sync_from_patient"
	ActionRetroactiveSync      AuditAction = "retroactive_sync_from_patient"
	ActionSyncFromConsultation AuditAction = "sync_from_initial_consultation"
	ActionInitialFlagAssigned  AuditAction = "initial_flag_assigned"
	ActionRecordRepaired       AuditAction = "record_repaired"
)

type AuditLog struct {
	ID         string
	OccurredAt time.Time

	// Who
	UserID   string
	UserRole Role

	// What
	Action       AuditAction
	ResourceType string
	ResourceID   string

	RequestID string
	Changes   map[string]any
}

type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}
