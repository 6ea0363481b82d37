// Package deltas is the glue between the engine and the rich-text delta
// library. The composition algebra itself (insert/delete/retain transform
// rules) comes from go-quilljs-delta; this package only decodes wire
// deltas and folds history.
package deltas

import (
	"encoding/json"
	"fmt"

	"github.com/fmpwizard/go-quilljs-delta/delta"

	"collabdocs/internal/models"
)

// Decode parses a wire delta and rejects frames that carry no operations.
func Decode(raw json.RawMessage) (*delta.Delta, error) {
	var d delta.Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	if len(d.Ops) == 0 {
		return nil, fmt.Errorf("delta has no operations")
	}
	return &d, nil
}

// Encode serializes a delta back into its wire form.
func Encode(d *delta.Delta) (json.RawMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return raw, nil
}

// FromContent builds the bootstrap delta for a document created with
// non-empty initial content.
func FromContent(content string) *delta.Delta {
	d := delta.New(nil)
	if content != "" {
		d = d.Insert(content, nil)
	}
	return d
}

// Materialize folds a change history into the document state it produces,
// composing records in acceptance order, and returns the plain text of
// the result. The engine trusts client snapshots at accept time; this
// recomputed view backs the history endpoint and the coherence tests.
func Materialize(records []models.ChangeRecord) (string, error) {
	acc := delta.New(nil)
	for i, rec := range records {
		d, err := Decode(rec.Delta)
		if err != nil {
			return "", fmt.Errorf("history record %d: %w", i, err)
		}
		acc = acc.Compose(*d)
	}
	return Plain(acc), nil
}

// Plain extracts the text content of a fully-composed delta. Non-text
// inserts (embeds) contribute nothing.
func Plain(d *delta.Delta) string {
	var out []rune
	for _, op := range d.Ops {
		if op.Insert != nil {
			out = append(out, op.Insert...)
		}
	}
	return string(out)
}
