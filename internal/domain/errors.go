package domain

import "errors"

var (
	// ErrNotFound signals an unknown room or user key. Callers recover and
	// surface it; it is never used for control flow elsewhere.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals a duplicate id/key on create. Fatal to the single
	// operation, never to the process.
	ErrConflict = errors.New("conflict")
)
