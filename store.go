package kisa

import (
	"context"

	"github.com/minus-twelve/kisa-sql/storage"
	"github.com/minus-twelve/kisa-sql/types"
)

// Store is the contract a session middleware relies on.
//
// Get returns nil data and a nil error for unknown sessions. Set replaces
// the session under sid. Touch refreshes the expiry of an existing session
// and returns nil for unknown ones. Destroy succeeds for unknown sessions.
// Length counts stored sessions, including expired ones not yet removed.
type Store interface {
	Get(ctx context.Context, sid string) (*types.SessionData, error)
	Set(ctx context.Context, sid string, data *types.SessionData) (*types.Record, error)
	Touch(ctx context.Context, sid string, data *types.SessionData) (*types.Record, error)
	Destroy(ctx context.Context, sid string) error
	Length(ctx context.Context) (int, error)
}

var _ Store = (*storage.SQLStore)(nil)
