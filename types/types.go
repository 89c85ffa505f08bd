package types

import "time"

// Cookie mirrors the session cookie settings carried inside the payload.
// Expires, when set, is the explicit expiry of the session.
type Cookie struct {
	Expires  *time.Time `json:"expires,omitempty"`
	MaxAge   int        `json:"max_age,omitempty"`
	Path     string     `json:"path,omitempty"`
	Domain   string     `json:"domain,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HTTPOnly bool       `json:"http_only,omitempty"`
	SameSite string     `json:"same_site,omitempty"`
}

// SessionData is the payload stored as JSON in the data column.
type SessionData struct {
	Cookie       Cookie    `json:"cookie"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	IP           string    `json:"ip,omitempty"`
	CSRFToken    string    `json:"csrf_token,omitempty"`
	Nonce        string    `json:"nonce,omitempty"`

	// Values holds application data. It goes through encoding/json, so only
	// JSON-native values come back unchanged: numbers are read back as
	// float64, time.Time as a string, structs as map[string]any.
	Values map[string]any `json:"values,omitempty"`
}

// Fields maps column names to the values written for a session row.
type Fields map[string]any

// Record is a session row as persisted.
type Record struct {
	SID       string
	Data      string
	Expires   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	Extra     map[string]any
}
