package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// DefaultTitle is used when a document is created without a title.
const DefaultTitle = "Untitled Document"

// Document is the authoritative state of one collaborative document:
// the materialized content snapshot, the append-only change history and
// the currently present editors keyed by connection id.
type Document struct {
	ID      string `json:"id" gorm:"type:char(27);primaryKey"`
	Title   string `json:"title" gorm:"type:text;not null"`
	Content string `json:"content" gorm:"type:text;not null;default:''"`

	// Users maps connection id to display name for editors currently in the
	// room. It is presence, not ownership.
	Users map[string]string `json:"users" gorm:"type:jsonb;serializer:json"`

	// Deltas is the ordered change history in engine acceptance order.
	// Deletes are hard deletes so a deleted id can be re-provisioned by a
	// later join; the history rows go with the document.
	Deltas []ChangeRecord `json:"deltas" gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE"`

	OwnerID   string    `json:"ownerId,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// BeforeCreate generates a KSUID when no id was supplied. KSUIDs are
// time-ordered, so sorting by id sorts by creation time.
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

// Clone returns a deep copy. Repositories that hand out shared records
// (the in-memory backend) use it to keep stored state immutable.
func (d *Document) Clone() *Document {
	dup := *d
	dup.Users = make(map[string]string, len(d.Users))
	for id, name := range d.Users {
		dup.Users[id] = name
	}
	dup.Deltas = make([]ChangeRecord, len(d.Deltas))
	copy(dup.Deltas, d.Deltas)
	return &dup
}

// ChangeRecord is one accepted edit in a document's history. Immutable
// once appended.
type ChangeRecord struct {
	ID         string `json:"-" gorm:"type:char(27);primaryKey"`
	DocumentID string `json:"-" gorm:"type:char(27);not null;index:idx_changes_doc_time"`

	// Delta is the edit operation in the wire format of the delta library
	// (insert/delete/retain ops). Stored verbatim.
	Delta json.RawMessage `json:"delta" gorm:"type:jsonb;not null"`

	// UserID is the originating connection id; UserName the display name
	// bound at acceptance time.
	UserID   string `json:"userId" gorm:"type:text"`
	UserName string `json:"userName" gorm:"type:text"`

	// Timestamp is the server-side acceptance time.
	Timestamp time.Time `json:"timestamp" gorm:"index:idx_changes_doc_time"`
}

// BeforeCreate generates a KSUID before inserting.
func (c *ChangeRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (ChangeRecord) TableName() string {
	return "change_records"
}

// DocumentCreate carries the caller-supplied fields of an explicit create.
type DocumentCreate struct {
	// ID is advisory. Lazy creation on first join passes the id the client
	// asked for so that later joiners resolve the same room; explicit
	// creates leave it empty and get a minted KSUID.
	ID      string `json:"id,omitempty"`
	Title   string `json:"title"`
	Content string `json:"content"`
	OwnerID string `json:"ownerId,omitempty"`
}
