// Package documents is the single source of truth for document state.
// All mutation funnels through the Store, which serializes read-modify-
// write sequences per document id while unrelated documents proceed
// concurrently.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"collabdocs/internal/deltas"
	"collabdocs/internal/locker"
	"collabdocs/internal/logging"
	"collabdocs/internal/models"
	"collabdocs/internal/repository"
)

// Repository declares what the Store needs from a persistence backend.
// Implemented by the Postgres and in-memory repositories.
type Repository interface {
	Create(ctx context.Context, doc *models.Document) error
	FindByID(ctx context.Context, id string) (*models.Document, error)
	List(ctx context.Context, limit, offset int) ([]*models.Document, error)
	UpdateContent(ctx context.Context, id, content string, rec *models.ChangeRecord) error
	UpdateTitle(ctx context.Context, id, title string) error
	AddUser(ctx context.Context, id, connectionID, userName string) error
	RemoveUser(ctx context.Context, id, connectionID string) error
	Users(ctx context.Context, id string) (map[string]string, error)
	History(ctx context.Context, id string) ([]models.ChangeRecord, error)
	Delete(ctx context.Context, id string) error
}

// Store owns authoritative document state on top of a pluggable
// repository.
type Store struct {
	repo   Repository
	locks  *locker.Locker
	logger logging.Logger
}

// NewStore creates a document store over the given repository.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:   repo,
		locks:  locker.New(),
		logger: logging.New("documents"),
	}
}

// Create allocates a new document. A non-empty initial content is
// recorded as a bootstrap change authored by the owner, so the content
// snapshot always equals the fold of the history.
func (s *Store) Create(ctx context.Context, req models.DocumentCreate) (*models.Document, error) {
	title := req.Title
	if title == "" {
		title = models.DefaultTitle
	}

	doc := &models.Document{
		ID:      req.ID,
		Title:   title,
		Content: req.Content,
		OwnerID: req.OwnerID,
		Users:   make(map[string]string),
		Deltas:  []models.ChangeRecord{},
	}

	if req.Content != "" {
		raw, err := deltas.Encode(deltas.FromContent(req.Content))
		if err != nil {
			return nil, fmt.Errorf("bootstrap delta: %w", err)
		}
		doc.Deltas = append(doc.Deltas, models.ChangeRecord{
			ID:        ksuid.New().String(),
			Delta:     raw,
			UserID:    req.OwnerID,
			Timestamp: time.Now(),
		})
	}

	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, err
	}

	s.logger.Infow("document created", "document_id", doc.ID, "title", doc.Title)
	return doc, nil
}

// Get retrieves a document with its history.
func (s *Store) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns documents without histories, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	return s.repo.List(ctx, limit, offset)
}

// Resolve returns the document with the given id, lazily creating it when
// it does not exist yet. The requested id is kept on creation so that
// later joiners asking for the same id land in the same room. The create
// race between two simultaneous first joins is settled by the per-id lock.
func (s *Store) Resolve(ctx context.Context, id string) (*models.Document, bool, error) {
	s.locks.Lock(id)
	defer s.unlock(id)

	doc, err := s.repo.FindByID(ctx, id)
	if err == nil {
		return doc, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	doc = &models.Document{
		ID:     id,
		Title:  models.DefaultTitle,
		Users:  make(map[string]string),
		Deltas: []models.ChangeRecord{},
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, false, err
	}

	s.logger.Infow("document lazily created on join", "document_id", doc.ID)
	return doc, true, nil
}

// ApplyChange atomically sets the new content snapshot and appends the
// change record.
func (s *Store) ApplyChange(ctx context.Context, id, content string, delta json.RawMessage, userID, userName string) (*models.ChangeRecord, error) {
	s.locks.Lock(id)
	defer s.unlock(id)

	rec := &models.ChangeRecord{
		Delta:     delta,
		UserID:    userID,
		UserName:  userName,
		Timestamp: time.Now(),
	}
	if err := s.repo.UpdateContent(ctx, id, content, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SetTitle updates a document's title.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	s.locks.Lock(id)
	defer s.unlock(id)

	return s.repo.UpdateTitle(ctx, id, title)
}

// AddUser marks a connection as present in the document.
func (s *Store) AddUser(ctx context.Context, id, connectionID, userName string) error {
	s.locks.Lock(id)
	defer s.unlock(id)

	return s.repo.AddUser(ctx, id, connectionID, userName)
}

// RemoveUser drops a connection from the presence map.
func (s *Store) RemoveUser(ctx context.Context, id, connectionID string) error {
	s.locks.Lock(id)
	defer s.unlock(id)

	return s.repo.RemoveUser(ctx, id, connectionID)
}

// Users returns a snapshot of the presence map.
func (s *Store) Users(ctx context.Context, id string) (map[string]string, error) {
	return s.repo.Users(ctx, id)
}

// History returns the ordered change history.
func (s *Store) History(ctx context.Context, id string) ([]models.ChangeRecord, error) {
	return s.repo.History(ctx, id)
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.locks.Lock(id)
	defer s.unlock(id)

	return s.repo.Delete(ctx, id)
}

func (s *Store) unlock(id string) {
	if err := s.locks.Unlock(id); err != nil {
		s.logger.Errorw("unlock failed", "document_id", id, "error", err)
	}
}
