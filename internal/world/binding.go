package world

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Conn is the live connection handle of a network-bound entity. Closing it
// must be safe to call more than once.
type Conn interface {
	Close() error
}

// Binding attaches a network identity to an entity. An entity with a Binding
// is audible to other entities; an entity without one is a purely local
// listener (or an NPC placeholder).
type Binding struct {
	UserID uuid.UUID
	Locale string
	Conn   Conn

	serverMuted    atomic.Bool
	serverDeafened atomic.Bool
}

// NewBinding returns a binding for the given user and connection.
func NewBinding(userID uuid.UUID, locale string, conn Conn) *Binding {
	return &Binding{UserID: userID, Locale: locale, Conn: conn}
}

// ServerMuted reports whether the server has muted this user, independently
// of the user's own mute toggle.
func (b *Binding) ServerMuted() bool { return b.serverMuted.Load() }

// SetServerMuted sets the server-side mute flag and reports whether it changed.
func (b *Binding) SetServerMuted(v bool) bool { return b.serverMuted.Swap(v) != v }

// ServerDeafened reports whether the server has deafened this user.
func (b *Binding) ServerDeafened() bool { return b.serverDeafened.Load() }

// SetServerDeafened sets the server-side deafen flag and reports whether it
// changed.
func (b *Binding) SetServerDeafened(v bool) bool { return b.serverDeafened.Swap(v) != v }
