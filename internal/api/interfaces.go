package api

import (
	"context"

	"collabdocs/internal/models"
)

// DocumentService declares what the REST handlers need from the document
// store. The interface lives with its consumer; documents.Store is the
// implementation.
type DocumentService interface {
	Create(ctx context.Context, req models.DocumentCreate) (*models.Document, error)
	Get(ctx context.Context, id string) (*models.Document, error)
	SetTitle(ctx context.Context, id, title string) error
	List(ctx context.Context, limit, offset int) ([]*models.Document, error)
	History(ctx context.Context, id string) ([]models.ChangeRecord, error)
	Delete(ctx context.Context, id string) error
}
