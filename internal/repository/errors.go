package repository

import "errors"

// ErrNotFound signals that a document id does not exist. Callers treat it
// as a normal outcome (the engine lazily creates on join), so it must be
// distinguishable from storage failures.
var ErrNotFound = errors.New("document not found")

// ErrAlreadyExists signals a create with an id that is already taken.
var ErrAlreadyExists = errors.New("document already exists")
