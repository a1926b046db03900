package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wolfeidau/coopgate/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
)

// SessionStore holds the live session table.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *models.Session) error

	// Get retrieves a session by ID.
	Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)

	// Update replaces a stored session.
	Update(ctx context.Context, session *models.Session) error

	// Delete removes a session (disconnect or logout).
	Delete(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)

	// ListByUsername returns every session of a user, oldest first.
	ListByUsername(ctx context.Context, username string) ([]*models.Session, error)

	// List returns sessions matching the filter, oldest first.
	List(ctx context.Context, opts ListSessionsOptions) ([]*models.Session, error)
}

// ListSessionsOptions specifies filters for listing sessions
type ListSessionsOptions struct {
	Role    models.Role // Filter by role (empty = all)
	Exclude uuid.UUID   // Session to leave out (uuid.Nil = none)
}
