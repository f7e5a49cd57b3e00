package domain

import "strings"

// Member is a room presence entry.
// Internal is unique per connection and only ever used as a store key;
// Public is what clients see.
type Member struct {
	Internal string
	Public   string
}

// NewMember prefixes the public name with the connection handle.
func NewMember(handle, name string) Member {
	return Member{Internal: handle + "_" + name, Public: name}
}

// PublicName strips the "<handle>_" prefix from an internal presence name.
// Handles never contain '_', so the first separator is always the prefix boundary.
func PublicName(internal string) string {
	if _, name, ok := strings.Cut(internal, "_"); ok {
		return name
	}
	return internal
}

// PublicNames maps PublicName over a presence list.
func PublicNames(internal []string) []string {
	out := make([]string, 0, len(internal))
	for _, n := range internal {
		out = append(out, PublicName(n))
	}
	return out
}
