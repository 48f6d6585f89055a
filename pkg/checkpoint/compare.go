package checkpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/plaenen/projections/pkg/domain"
)

// ErrStreamMismatch is returned when versions of two different streams are compared.
var ErrStreamMismatch = errors.New("cannot compare versions of different streams")

// StreamMismatchError reports the two streams involved in an invalid comparison.
type StreamMismatchError struct {
	Left  domain.ObjectIdentifier
	Right domain.ObjectIdentifier
}

func (e *StreamMismatchError) Error() string {
	return fmt.Sprintf("cannot compare versions of different streams: %q and %q", e.Left, e.Right)
}

func (e *StreamMismatchError) Is(target error) bool {
	return target == ErrStreamMismatch
}

// Compare orders two tokens of the same stream. A nil token sorts before any
// non-nil token. Tokens of different streams fail with a StreamMismatchError.
//
// Versions are ordered by CompareVersions, which is numeric-aware rather than
// ordinal. It agrees with ordinal comparison on zero-padded identifiers of equal
// width and additionally orders mixed ones, so "00000000000000000010" and "10"
// compare equal and "9" sorts before "10".
func Compare(a, b *domain.VersionToken) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}
	if !a.ObjectIdentifier.Equal(b.ObjectIdentifier) {
		return 0, &StreamMismatchError{Left: a.ObjectIdentifier, Right: b.ObjectIdentifier}
	}
	return CompareVersions(a.VersionIdentifier, b.VersionIdentifier), nil
}

// IsNewer reports whether candidate is ahead of existing. A missing existing
// token means anything is newer.
func IsNewer(candidate, existing *domain.VersionToken) (bool, error) {
	if existing == nil {
		return true, nil
	}
	cmp, err := Compare(candidate, existing)
	if err != nil {
		return false, err
	}
	return cmp > 0, nil
}

// CompareVersions orders two version identifiers. Identifiers that both parse as
// decimal integers compare numerically, so "9" < "10" with or without padding
// and "00000000000000000010" equals "10". On zero-padded identifiers of equal
// width this is the ordinal order. Anything else falls back to ordinal
// comparison of the case-folded strings.
func CompareVersions(a, b domain.VersionIdentifier) int {
	an, aok := domain.ParseVersion(a)
	bn, bok := domain.ParseVersion(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(
		string(domain.ObjectIdentifier(a).Normalized()),
		string(domain.ObjectIdentifier(b).Normalized()),
	)
}
