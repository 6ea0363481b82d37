package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"collabdocs/internal/models"
)

// DocumentRepositoryImpl persists documents and their change history in
// Postgres using GORM. This is the implementation only; the services that
// consume it declare the interface they need.
type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new Postgres-backed document repository.
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db}
}

// Create inserts a new document. The KSUID is generated in the
// BeforeCreate hook unless the caller supplied an id.
func (r *DocumentRepositoryImpl) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID != "" {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Document{}).
			Where("id = ?", doc.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("check document id: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, doc.ID)
		}
	}

	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// FindByID retrieves a document with its full change history, oldest
// record first. KSUIDs are time-ordered, so ordering by id is ordering by
// acceptance time.
func (r *DocumentRepositoryImpl) FindByID(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document

	err := r.db.WithContext(ctx).
		Preload("Deltas", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	if doc.Users == nil {
		doc.Users = make(map[string]string)
	}
	return &doc, nil
}

// List returns documents without their histories, newest first.
func (r *DocumentRepositoryImpl) List(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	var docs []*models.Document

	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// UpdateContent sets the new content snapshot and appends the change
// record in one transaction, so a reader can never observe one without
// the other.
func (r *DocumentRepositoryImpl) UpdateContent(ctx context.Context, id, content string, rec *models.ChangeRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		if err := tx.First(&doc, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("find document: %w", err)
		}

		rec.DocumentID = id
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("append change record: %w", err)
		}

		if err := tx.Model(&doc).Update("content", content).Error; err != nil {
			return fmt.Errorf("update content: %w", err)
		}
		return nil
	})
}

// UpdateTitle sets the document title.
func (r *DocumentRepositoryImpl) UpdateTitle(ctx context.Context, id, title string) error {
	result := r.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ?", id).
		Update("title", title)
	if result.Error != nil {
		return fmt.Errorf("update title: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AddUser records a connection as present in the document.
func (r *DocumentRepositoryImpl) AddUser(ctx context.Context, id, connectionID, userName string) error {
	return r.mutateUsers(ctx, id, func(users map[string]string) {
		users[connectionID] = userName
	})
}

// RemoveUser drops a connection from the document's presence map.
// Removing a connection that is not present is a silent no-op.
func (r *DocumentRepositoryImpl) RemoveUser(ctx context.Context, id, connectionID string) error {
	return r.mutateUsers(ctx, id, func(users map[string]string) {
		delete(users, connectionID)
	})
}

func (r *DocumentRepositoryImpl) mutateUsers(ctx context.Context, id string, mutate func(map[string]string)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		if err := tx.First(&doc, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("find document: %w", err)
		}

		if doc.Users == nil {
			doc.Users = make(map[string]string)
		}
		mutate(doc.Users)

		if err := tx.Model(&doc).Update("users", doc.Users).Error; err != nil {
			return fmt.Errorf("update users: %w", err)
		}
		return nil
	})
}

// Users returns the current presence map.
func (r *DocumentRepositoryImpl) Users(ctx context.Context, id string) (map[string]string, error) {
	doc, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.Users, nil
}

// History returns the ordered change history of a document.
func (r *DocumentRepositoryImpl) History(ctx context.Context, id string) ([]models.ChangeRecord, error) {
	doc, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.Deltas, nil
}

// Delete removes the document row and, via the association constraint, its
// change records. Hard delete: the id becomes free for lazy re-creation.
func (r *DocumentRepositoryImpl) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Unscoped().Delete(&models.Document{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("delete document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
