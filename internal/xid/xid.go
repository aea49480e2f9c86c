package xid

import "github.com/google/uuid"

// New returns a prefixed random identifier, e.g. "ord-3f1c...".
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
