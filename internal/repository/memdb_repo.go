package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/segmentio/ksuid"

	"collabdocs/internal/models"
)

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"documents": {
			Name: "documents",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
	},
}

// MemoryRepositoryImpl keeps documents in a go-memdb instance. It is the
// default backend for development and tests; the transactional swap of
// the whole record gives the same content/history atomicity as the
// Postgres backend.
type MemoryRepositoryImpl struct {
	db *memdb.MemDB
}

// NewMemoryRepository creates a new in-memory document repository.
func NewMemoryRepository() (*MemoryRepositoryImpl, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}
	return &MemoryRepositoryImpl{db: db}, nil
}

// Create inserts a new document, minting a KSUID if no id was supplied.
func (r *MemoryRepositoryImpl) Create(_ context.Context, doc *models.Document) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	if doc.ID == "" {
		doc.ID = ksuid.New().String()
	} else {
		existing, err := txn.First("documents", "id", doc.ID)
		if err != nil {
			return fmt.Errorf("check document id: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, doc.ID)
		}
	}

	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Users == nil {
		doc.Users = make(map[string]string)
	}
	if doc.Deltas == nil {
		doc.Deltas = []models.ChangeRecord{}
	}

	if err := txn.Insert("documents", doc.Clone()); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	txn.Commit()
	return nil
}

// FindByID retrieves a deep copy of a document, history included.
func (r *MemoryRepositoryImpl) FindByID(_ context.Context, id string) (*models.Document, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	return r.find(txn, id)
}

func (r *MemoryRepositoryImpl) find(txn *memdb.Txn, id string) (*models.Document, error) {
	raw, err := txn.First("documents", "id", id)
	if err != nil {
		return nil, fmt.Errorf("find document: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return raw.(*models.Document).Clone(), nil
}

// List returns documents without deep-copied histories, newest first.
func (r *MemoryRepositoryImpl) List(_ context.Context, limit, offset int) ([]*models.Document, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("documents", "id")
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	var docs []*models.Document
	for raw := it.Next(); raw != nil; raw = it.Next() {
		docs = append(docs, raw.(*models.Document).Clone())
	}
	// KSUIDs sort by creation time; newest first to match the SQL backend.
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID > docs[j].ID })

	if offset >= len(docs) {
		return nil, nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs, nil
}

// mutate applies fn to a copy of the stored document and swaps it in
// atomically.
func (r *MemoryRepositoryImpl) mutate(id string, fn func(*models.Document) error) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	doc, err := r.find(txn, id)
	if err != nil {
		return err
	}

	if err := fn(doc); err != nil {
		return err
	}
	doc.UpdatedAt = time.Now()

	if err := txn.Insert("documents", doc); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	txn.Commit()
	return nil
}

// UpdateContent sets the content snapshot and appends the change record
// in a single swap.
func (r *MemoryRepositoryImpl) UpdateContent(_ context.Context, id, content string, rec *models.ChangeRecord) error {
	return r.mutate(id, func(doc *models.Document) error {
		if rec.ID == "" {
			rec.ID = ksuid.New().String()
		}
		rec.DocumentID = id
		doc.Content = content
		doc.Deltas = append(doc.Deltas, *rec)
		return nil
	})
}

// UpdateTitle sets the document title.
func (r *MemoryRepositoryImpl) UpdateTitle(_ context.Context, id, title string) error {
	return r.mutate(id, func(doc *models.Document) error {
		doc.Title = title
		return nil
	})
}

// AddUser records a connection as present in the document.
func (r *MemoryRepositoryImpl) AddUser(_ context.Context, id, connectionID, userName string) error {
	return r.mutate(id, func(doc *models.Document) error {
		doc.Users[connectionID] = userName
		return nil
	})
}

// RemoveUser drops a connection from the presence map; absent entries are
// a silent no-op.
func (r *MemoryRepositoryImpl) RemoveUser(_ context.Context, id, connectionID string) error {
	return r.mutate(id, func(doc *models.Document) error {
		delete(doc.Users, connectionID)
		return nil
	})
}

// Users returns the current presence map.
func (r *MemoryRepositoryImpl) Users(ctx context.Context, id string) (map[string]string, error) {
	doc, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.Users, nil
}

// History returns the ordered change history of a document.
func (r *MemoryRepositoryImpl) History(ctx context.Context, id string) ([]models.ChangeRecord, error) {
	doc, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.Deltas, nil
}

// Delete removes a document.
func (r *MemoryRepositoryImpl) Delete(_ context.Context, id string) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("documents", "id", id)
	if err != nil {
		return fmt.Errorf("find document: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := txn.Delete("documents", raw); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	txn.Commit()
	return nil
}
