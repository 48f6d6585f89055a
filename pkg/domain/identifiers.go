package domain

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// identifierSeparator joins object name and object id into a default stream identifier.
const identifierSeparator = "__"

// ObjectIdentifier identifies one event stream (one object instance).
// Comparison is case-insensitive using Unicode case folding.
type ObjectIdentifier string

// NewObjectIdentifier builds the default stream identifier for an object.
func NewObjectIdentifier(objectName, objectID string) ObjectIdentifier {
	return ObjectIdentifier(objectName + identifierSeparator + objectID)
}

// ParseObjectIdentifier splits a default stream identifier back into object name and id.
func ParseObjectIdentifier(id ObjectIdentifier) (objectName, objectID string, ok bool) {
	name, rest, found := strings.Cut(string(id), identifierSeparator)
	if !found || name == "" || rest == "" {
		return "", "", false
	}
	return name, rest, true
}

// Normalized returns the case-folded form used for comparison and map keys.
func (id ObjectIdentifier) Normalized() ObjectIdentifier {
	return ObjectIdentifier(cases.Fold().String(string(id)))
}

// Equal compares two identifiers case-insensitively.
func (id ObjectIdentifier) Equal(other ObjectIdentifier) bool {
	return id.Normalized() == other.Normalized()
}

func (id ObjectIdentifier) String() string { return string(id) }

// VersionIdentifier encodes a position within a stream.
type VersionIdentifier string

// FormatVersion renders a stream version as an identifier.
func FormatVersion(version int64) VersionIdentifier {
	return VersionIdentifier(strconv.FormatInt(version, 10))
}

// ParseVersion parses an identifier produced by FormatVersion (or any zero-padded
// decimal). ok is false for non-numeric encodings.
func ParseVersion(v VersionIdentifier) (int64, bool) {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v VersionIdentifier) String() string { return string(v) }
