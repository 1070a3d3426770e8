package repository

import (
	"context"

	"llm-dispatch/internal/domain/model"
)

type ProviderRepository interface {
	GetBySlug(ctx context.Context, tx Tx, slug string) (*model.Provider, error)
	GetByID(ctx context.Context, tx Tx, id string) (*model.Provider, error)
	ListEnabled(ctx context.Context, tx Tx) ([]*model.Provider, error)
	// Upsert is used by seeding only; request paths never write providers.
	Upsert(ctx context.Context, tx Tx, p *model.Provider) error
}
