package domain

import "fmt"

// VersionToken identifies a (stream, version) pair a projection should be brought up to.
type VersionToken struct {
	ObjectName        string            `json:"object_name"`
	ObjectID          string            `json:"object_id"`
	ObjectIdentifier  ObjectIdentifier  `json:"object_identifier"`
	VersionIdentifier VersionIdentifier `json:"version_identifier"`
	Version           int64             `json:"version"`

	// TryUpdateToLatestVersion requests folding to the end of the stream
	// regardless of Version.
	TryUpdateToLatestVersion bool `json:"try_update_to_latest_version,omitempty"`
}

// NewVersionToken creates a token for an explicit object and version.
func NewVersionToken(objectName, objectID string, version int64) *VersionToken {
	return &VersionToken{
		ObjectName:        objectName,
		ObjectID:          objectID,
		ObjectIdentifier:  NewObjectIdentifier(objectName, objectID),
		VersionIdentifier: FormatVersion(version),
		Version:           version,
	}
}

// NewVersionTokenFromEvent derives a token from an event and its originating document.
func NewVersionTokenFromEvent(doc *Document, event *Event) *VersionToken {
	streamID := event.StreamID
	if streamID == "" && doc != nil {
		streamID = doc.StreamID
	}
	token := &VersionToken{
		ObjectName:        event.ObjectName,
		ObjectID:          event.ObjectID,
		ObjectIdentifier:  streamID,
		VersionIdentifier: event.VersionIdentifier(),
		Version:           event.Version,
	}
	if doc != nil {
		if token.ObjectName == "" {
			token.ObjectName = doc.ObjectName
		}
		if token.ObjectID == "" {
			token.ObjectID = doc.ObjectID
		}
	}
	return token
}

// NewStreamVersionToken creates a token for a stream identifier and version identifier,
// as found in a checkpoint entry.
func NewStreamVersionToken(objectName, objectID string, stream ObjectIdentifier, version VersionIdentifier) *VersionToken {
	n, _ := ParseVersion(version)
	return &VersionToken{
		ObjectName:        objectName,
		ObjectID:          objectID,
		ObjectIdentifier:  stream,
		VersionIdentifier: version,
		Version:           n,
	}
}

// LatestVersionToken requests an update to whatever the latest version of the object is.
func LatestVersionToken(objectName, objectID string) *VersionToken {
	return &VersionToken{
		ObjectName:               objectName,
		ObjectID:                 objectID,
		ObjectIdentifier:         NewObjectIdentifier(objectName, objectID),
		Version:                  -1,
		TryUpdateToLatestVersion: true,
	}
}

// WithLatest returns a copy of the token that folds to the end of the stream.
func (t *VersionToken) WithLatest() *VersionToken {
	c := *t
	c.TryUpdateToLatestVersion = true
	return &c
}

func (t *VersionToken) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.TryUpdateToLatestVersion {
		return fmt.Sprintf("%s@latest", t.ObjectIdentifier)
	}
	return fmt.Sprintf("%s@%s", t.ObjectIdentifier, t.VersionIdentifier)
}
