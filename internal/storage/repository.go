package storage

import (
	"context"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/domain/identities"
)

// Repository groups data access by domain.
type Repository interface {
	Events() events.Repository
	Identities() identities.Store

	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Ping(ctx context.Context) error
	Close()
}
