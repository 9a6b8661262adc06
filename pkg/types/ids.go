package types

import (
	"fmt"
	"strings"
)

// ServerName identifies a federation participant (e.g. "alice.example.org").
type ServerName string

// RoomID has the form !opaque:server.
type RoomID string

// UserID has the form @local:server.
type UserID string

// EventID has the form $hash and is derived from event content.
type EventID string

// KeyID names a signing key of a server, e.g. "ed25519:a1".
type KeyID string

// Identifier sigils.
const (
	SigilRoom  = '!'
	SigilUser  = '@'
	SigilEvent = '$'
)

// Identifier is a parsed sigil:local:server identifier, in the style of
// addresses like @alice:home.example.org.
type Identifier struct {
	Sigil  byte
	Local  string
	Server ServerName
}

// ParseIdentifier splits an identifier into its sigil, local part and server.
// The server is everything after the first colon so ports are preserved.
func ParseIdentifier(s string) (Identifier, error) {
	if s == "" {
		return Identifier{}, fmt.Errorf("identifier cannot be empty")
	}

	sigil := s[0]
	if sigil != SigilRoom && sigil != SigilUser {
		return Identifier{}, fmt.Errorf("invalid identifier %q: unknown sigil %q", s, sigil)
	}

	rest := s[1:]
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return Identifier{}, fmt.Errorf("invalid identifier %q: must contain a server part", s)
	}

	local, server := rest[:idx], rest[idx+1:]
	if local == "" {
		return Identifier{}, fmt.Errorf("invalid identifier %q: local part cannot be empty", s)
	}
	if err := ValidateServerName(ServerName(server)); err != nil {
		return Identifier{}, fmt.Errorf("invalid identifier %q: %w", s, err)
	}

	return Identifier{Sigil: sigil, Local: local, Server: ServerName(server)}, nil
}

// String returns the canonical representation of the identifier.
func (id Identifier) String() string {
	return fmt.Sprintf("%c%s:%s", id.Sigil, id.Local, id.Server)
}

// ValidateServerName checks a server name is non-empty and contains no
// whitespace or path separators.
func ValidateServerName(name ServerName) error {
	if name == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	if strings.ContainsAny(string(name), " \t\r\n/@!$") {
		return fmt.Errorf("server name %q contains invalid characters", name)
	}
	return nil
}

// NewRoomID builds a room id owned by server.
func NewRoomID(local string, server ServerName) RoomID {
	return RoomID(Identifier{Sigil: SigilRoom, Local: local, Server: server}.String())
}

// NewUserID builds a user id homed on server.
func NewUserID(local string, server ServerName) UserID {
	return UserID(Identifier{Sigil: SigilUser, Local: local, Server: server}.String())
}

// Server returns the server that created the room.
func (r RoomID) Server() ServerName {
	id, err := ParseIdentifier(string(r))
	if err != nil || id.Sigil != SigilRoom {
		return ""
	}
	return id.Server
}

// Validate reports whether the room id is well formed.
func (r RoomID) Validate() error {
	id, err := ParseIdentifier(string(r))
	if err != nil {
		return err
	}
	if id.Sigil != SigilRoom {
		return fmt.Errorf("room id %q must start with %c", r, SigilRoom)
	}
	return nil
}

// Server returns the user's home server.
func (u UserID) Server() ServerName {
	id, err := ParseIdentifier(string(u))
	if err != nil || id.Sigil != SigilUser {
		return ""
	}
	return id.Server
}

// IsLocal returns true if the user belongs to the given server.
func (u UserID) IsLocal(server ServerName) bool {
	return u.Server() == server
}

// Validate reports whether the user id is well formed.
func (u UserID) Validate() error {
	id, err := ParseIdentifier(string(u))
	if err != nil {
		return err
	}
	if id.Sigil != SigilUser {
		return fmt.Errorf("user id %q must start with %c", u, SigilUser)
	}
	return nil
}

// Validate reports whether the event id carries the $ sigil and a hash.
func (e EventID) Validate() error {
	if len(e) < 2 || e[0] != SigilEvent {
		return fmt.Errorf("event id %q must start with %c", e, SigilEvent)
	}
	return nil
}
