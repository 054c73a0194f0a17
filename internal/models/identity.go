package models

// Identity is the authenticated caller, taken from a verified bearer token
type Identity struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// IsAuthenticated reports whether the identity carries a user
func (i *Identity) IsAuthenticated() bool {
	return i != nil && i.UserID != ""
}

// HasRole checks if the identity has a role. "*" grants everything.
func (i *Identity) HasRole(required string) bool {
	if !i.IsAuthenticated() {
		return false
	}
	for _, role := range i.Roles {
		if role == required || role == "*" {
			return true
		}
	}
	return false
}

// MaskedUserID returns the first 8 characters of the user id for logging
func (i *Identity) MaskedUserID() string {
	if i == nil || len(i.UserID) < 8 {
		return "***"
	}
	return i.UserID[:8] + "..."
}

// NotificationKind is the severity shown to the user
type NotificationKind string

const (
	NotifySuccess NotificationKind = "success"
	NotifyInfo    NotificationKind = "info"
	NotifyError   NotificationKind = "error"
)

// Notification is a user-visible message produced by a tracker operation
type Notification struct {
	UserID  string           `json:"-"`
	Kind    NotificationKind `json:"kind"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	XP      int              `json:"xp,omitempty"`
}
