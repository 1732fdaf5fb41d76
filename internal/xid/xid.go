package xid

import (
	"github.com/google/uuid"
)

// New returns a random identifier. A non-empty prefix is joined with a dash
// so ids stay greppable in logs ("inv-5f0c...").
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Valid reports whether id has the shape New produces for prefix.
func Valid(prefix string, id string) bool {
	if prefix != "" {
		if len(id) <= len(prefix)+1 || id[:len(prefix)+1] != prefix+"-" {
			return false
		}
		id = id[len(prefix)+1:]
	}
	_, err := uuid.Parse(id)
	return err == nil
}
