package graph

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalID normalizes a node id at the builder boundary:
//   - surrounding whitespace is trimmed
//   - the id is NFC normalized so visually identical ids compare equal
//
// An empty id (after trimming) is rejected.
func CanonicalID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("node id must not be empty")
	}
	return norm.NFC.String(id), nil
}
