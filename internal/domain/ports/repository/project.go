package repository

import (
	"context"

	"dataviz-pipeline/internal/domain/model"
)

type ProjectRepository interface {
	Save(ctx context.Context, tx Tx, p *model.Project) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Project, error)
}

type ContextRepository interface {
	Save(ctx context.Context, tx Tx, c *model.GenerationContext) error
	FindByProjectID(ctx context.Context, tx Tx, projectID string) (*model.GenerationContext, error)
}
