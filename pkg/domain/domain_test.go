package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/plaenen/projections/pkg/domain"
)

func TestObjectIdentifier(t *testing.T) {
	id := domain.NewObjectIdentifier("order", "A-1")
	assert.Equal(t, domain.ObjectIdentifier("order__A-1"), id)

	name, objectID, ok := domain.ParseObjectIdentifier(id)
	require.True(t, ok)
	assert.Equal(t, "order", name)
	assert.Equal(t, "A-1", objectID)

	// ids may contain the separator themselves
	name, objectID, ok = domain.ParseObjectIdentifier("order__a__b")
	require.True(t, ok)
	assert.Equal(t, "order", name)
	assert.Equal(t, "a__b", objectID)

	for _, bad := range []domain.ObjectIdentifier{"order", "__1", "order__", ""} {
		_, _, ok := domain.ParseObjectIdentifier(bad)
		assert.False(t, ok, "%q", bad)
	}

	assert.True(t, domain.ObjectIdentifier("Order__A-1").Equal("ORDER__a-1"))
	assert.Equal(t, domain.ObjectIdentifier("order__a-1"), domain.ObjectIdentifier("ORDER__A-1").Normalized())
}

func TestVersionIdentifier(t *testing.T) {
	assert.Equal(t, domain.VersionIdentifier("42"), domain.FormatVersion(42))

	tests := []struct {
		in   domain.VersionIdentifier
		want int64
		ok   bool
	}{
		{"0", 0, true},
		{"007", 7, true},
		{" 12 ", 12, true},
		{"", 0, false},
		{"v3", 0, false},
	}
	for _, tt := range tests {
		n, ok := domain.ParseVersion(tt.in)
		assert.Equal(t, tt.ok, ok, "%q", tt.in)
		assert.Equal(t, tt.want, n, "%q", tt.in)
	}
}

func TestVersionToken(t *testing.T) {
	token := domain.NewVersionToken("order", "1", 5)
	assert.Equal(t, "order__1@5", token.String())
	assert.False(t, token.TryUpdateToLatestVersion)

	latest := token.WithLatest()
	assert.True(t, latest.TryUpdateToLatestVersion)
	assert.False(t, token.TryUpdateToLatestVersion, "WithLatest copies")
	assert.Equal(t, "order__1@latest", latest.String())

	doc := domain.NewDocument("order", "1")
	doc.StreamID = "order-stream-1"
	fromEvent := domain.NewVersionTokenFromEvent(doc, &domain.Event{Version: 3})
	assert.Equal(t, "order", fromEvent.ObjectName)
	assert.Equal(t, "1", fromEvent.ObjectID)
	assert.Equal(t, domain.ObjectIdentifier("order-stream-1"), fromEvent.ObjectIdentifier)
	assert.Equal(t, domain.VersionIdentifier("3"), fromEvent.VersionIdentifier)

	stream := domain.NewStreamVersionToken("order", "1", "order__1", "9")
	assert.Equal(t, int64(9), stream.Version)

	var nilToken *domain.VersionToken
	assert.Equal(t, "<nil>", nilToken.String())
}

func TestEvent_SameAs(t *testing.T) {
	a := &domain.Event{ID: "e1", StreamID: "order__1", Version: 1, EventType: "x"}
	assert.True(t, a.SameAs(a))
	assert.True(t, a.SameAs(&domain.Event{ID: "e1"}))
	assert.False(t, a.SameAs(&domain.Event{ID: "e2", StreamID: "order__1", Version: 1, EventType: "x"}))
	// same position without an ID is a different event
	assert.False(t, a.SameAs(&domain.Event{StreamID: "order__1", Version: 1, EventType: "x"}))
	noID := &domain.Event{StreamID: "order__1", Version: 1, EventType: "x"}
	assert.True(t, noID.SameAs(noID))
	assert.False(t, noID.SameAs(&domain.Event{StreamID: "order__1", Version: 1, EventType: "x"}))
	assert.False(t, a.SameAs(nil))
}

func TestDecodePayload(t *testing.T) {
	data, err := proto.Marshal(wrapperspb.String("hello"))
	require.NoError(t, err)

	msg, err := domain.DecodePayload(&domain.Event{EventType: "google.protobuf.StringValue", Data: data})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg.(*wrapperspb.StringValue).GetValue())

	msg, err = domain.DecodePayload(&domain.Event{EventType: "order.Placed", Data: []byte("{}")})
	require.NoError(t, err)
	assert.Nil(t, msg)

	_, err = domain.DecodePayload(&domain.Event{EventType: "google.protobuf.StringValue", Data: []byte{0xff}})
	assert.Error(t, err)
}
