// Package directory resolves user identities to channel addresses. The
// directory is built from configuration at startup; an unknown user is a
// configuration error, surfaced synchronously and never queued.
package directory

import (
	"errors"
	"fmt"
)

// ErrUnknownUser is returned when a user ID has no directory entry.
var ErrUnknownUser = errors.New("unknown user")

// Address is one way to reach a user: a channel name plus the user's
// identifier on that channel (chat ID, email address).
type Address struct {
	Channel   string `yaml:"channel"`
	Recipient string `yaml:"recipient"`
}

// Directory maps user IDs to their channel addresses in priority order.
type Directory struct {
	users map[string][]Address
}

// New builds a directory from the given map. The address slice order is
// the routing priority.
func New(users map[string][]Address) *Directory {
	if users == nil {
		users = make(map[string][]Address)
	}
	return &Directory{users: users}
}

// Resolve returns the user's addresses in priority order.
func (d *Directory) Resolve(userID string) ([]Address, error) {
	addrs, ok := d.users[userID]
	if !ok || len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %q: %w", userID, ErrUnknownUser)
	}
	out := make([]Address, len(addrs))
	copy(out, addrs)
	return out, nil
}

// UserFor reverse-resolves a (channel, recipient) pair to a user ID, used
// to attribute inbound messages.
func (d *Directory) UserFor(channel, recipient string) (string, bool) {
	for id, addrs := range d.users {
		for _, a := range addrs {
			if a.Channel == channel && a.Recipient == recipient {
				return id, true
			}
		}
	}
	return "", false
}

// Users returns all known user IDs.
func (d *Directory) Users() []string {
	out := make([]string, 0, len(d.users))
	for id := range d.users {
		out = append(out, id)
	}
	return out
}
