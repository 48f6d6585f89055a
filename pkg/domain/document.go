package domain

// Document is the per-object metadata record resolved from the document store.
// It tells the fold engine which physical stream to read for an object.
type Document struct {
	ObjectName string `json:"object_name"`
	ObjectID   string `json:"object_id"`

	// StreamID is the identifier of the object's active stream.
	StreamID ObjectIdentifier `json:"stream_id"`

	// StreamType names the storage backend holding the stream (e.g. "sqlite", "memory").
	StreamType string `json:"stream_type,omitempty"`

	// CurrentVersion is the version of the last event appended to the stream, -1 if empty.
	CurrentVersion int64 `json:"current_version"`

	// Tags carries arbitrary document metadata.
	Tags map[string]string `json:"tags,omitempty"`
}

// NewDocument returns a document for an object with the default stream identifier.
func NewDocument(objectName, objectID string) *Document {
	return &Document{
		ObjectName:     objectName,
		ObjectID:       objectID,
		StreamID:       NewObjectIdentifier(objectName, objectID),
		CurrentVersion: -1,
	}
}
