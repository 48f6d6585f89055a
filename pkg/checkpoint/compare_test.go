package checkpoint_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/projections/pkg/checkpoint"
	"github.com/plaenen/projections/pkg/domain"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b *domain.VersionToken
		want int
	}{
		{"both nil", nil, nil, 0},
		{"left nil", nil, domain.NewVersionToken("order", "1", 0), -1},
		{"right nil", domain.NewVersionToken("order", "1", 0), nil, 1},
		{"equal", domain.NewVersionToken("order", "1", 3), domain.NewVersionToken("order", "1", 3), 0},
		{"older", domain.NewVersionToken("order", "1", 2), domain.NewVersionToken("order", "1", 3), -1},
		{"newer past ten", domain.NewVersionToken("order", "1", 10), domain.NewVersionToken("order", "1", 9), 1},
		{"case folded stream", domain.NewVersionToken("Order", "1", 4), domain.NewVersionToken("ORDER", "1", 4), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := checkpoint.Compare(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sign(got))
		})
	}
}

func TestCompare_StreamMismatch(t *testing.T) {
	_, err := checkpoint.Compare(domain.NewVersionToken("order", "1", 1), domain.NewVersionToken("order", "2", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrStreamMismatch)

	var mismatch *checkpoint.StreamMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, domain.ObjectIdentifier("order__1"), mismatch.Left)
	assert.Equal(t, domain.ObjectIdentifier("order__2"), mismatch.Right)

	_, err = checkpoint.IsNewer(domain.NewVersionToken("order", "1", 5), domain.NewVersionToken("invoice", "1", 1))
	assert.ErrorIs(t, err, checkpoint.ErrStreamMismatch)
}

func TestIsNewer(t *testing.T) {
	newer, err := checkpoint.IsNewer(domain.NewVersionToken("order", "1", 0), nil)
	require.NoError(t, err)
	assert.True(t, newer)

	newer, err = checkpoint.IsNewer(domain.NewVersionToken("order", "1", 2), domain.NewVersionToken("order", "1", 2))
	require.NoError(t, err)
	assert.False(t, newer)

	newer, err = checkpoint.IsNewer(domain.NewVersionToken("order", "1", 11), domain.NewVersionToken("order", "1", 2))
	require.NoError(t, err)
	assert.True(t, newer)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, checkpoint.CompareVersions("9", "10"))
	assert.Equal(t, 0, checkpoint.CompareVersions("00000000000000000010", "10"))
	assert.Equal(t, -1, checkpoint.CompareVersions("a", "b"))
	assert.Equal(t, 0, checkpoint.CompareVersions("Rev-A", "rev-a"))
}

func TestCompare_PaddedAndUnpadded(t *testing.T) {
	padded := domain.NewVersionToken("order", "1", 10)
	padded.VersionIdentifier = "00000000000000000010"
	unpadded := domain.NewVersionToken("order", "1", 10)

	got, err := checkpoint.Compare(padded, unpadded)
	require.NoError(t, err)
	assert.Zero(t, got)

	newer, err := checkpoint.IsNewer(unpadded, padded)
	require.NoError(t, err)
	assert.False(t, newer)

	unpadded.VersionIdentifier = "9"
	got, err = checkpoint.Compare(unpadded, padded)
	require.NoError(t, err)
	assert.Equal(t, -1, sign(got))
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
