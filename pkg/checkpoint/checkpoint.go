// Package checkpoint tracks per-stream progress of a projection and compares
// stream versions.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/plaenen/projections/pkg/domain"
)

// Entry is one stream's last processed version.
type Entry struct {
	Stream  domain.ObjectIdentifier
	Version domain.VersionIdentifier
}

// Checkpoint is an insertion-ordered map of stream identifier to the last
// version a projection processed for that stream. Lookups ignore case; the
// identifier is kept as first written.
//
// A Checkpoint is not safe for concurrent mutation; a projection owns its
// checkpoint and hands out clones.
type Checkpoint struct {
	versions map[domain.ObjectIdentifier]Entry
	order    []domain.ObjectIdentifier
}

// New returns an empty checkpoint.
func New() *Checkpoint {
	return &Checkpoint{versions: make(map[domain.ObjectIdentifier]Entry)}
}

// FromEntries builds a checkpoint from entries in order. Later duplicates overwrite earlier ones.
func FromEntries(entries ...Entry) *Checkpoint {
	c := New()
	for _, e := range entries {
		c.Set(e.Stream, e.Version)
	}
	return c
}

// Get returns the recorded version for a stream.
func (c *Checkpoint) Get(stream domain.ObjectIdentifier) (domain.VersionIdentifier, bool) {
	if c == nil {
		return "", false
	}
	e, ok := c.versions[stream.Normalized()]
	return e.Version, ok
}

// Set records the version for a stream.
func (c *Checkpoint) Set(stream domain.ObjectIdentifier, version domain.VersionIdentifier) {
	if c.versions == nil {
		c.versions = make(map[domain.ObjectIdentifier]Entry)
	}
	key := stream.Normalized()
	e, exists := c.versions[key]
	if !exists {
		c.order = append(c.order, key)
		e.Stream = stream
	}
	e.Version = version
	c.versions[key] = e
}

// Len returns the number of streams tracked.
func (c *Checkpoint) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// Entries returns the entries in insertion order.
func (c *Checkpoint) Entries() []Entry {
	if c == nil {
		return nil
	}
	entries := make([]Entry, 0, len(c.order))
	for _, key := range c.order {
		entries = append(entries, c.versions[key])
	}
	return entries
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	clone := New()
	if c == nil {
		return clone
	}
	clone.order = append(clone.order, c.order...)
	for k, v := range c.versions {
		clone.versions[k] = v
	}
	return clone
}

// Equal reports whether both checkpoints hold the same stream versions, ignoring order.
func (c *Checkpoint) Equal(other *Checkpoint) bool {
	if c.Len() != other.Len() {
		return false
	}
	for _, e := range c.Entries() {
		v, ok := other.Get(e.Stream)
		if !ok || v != e.Version {
			return false
		}
	}
	return true
}

// MarshalJSON writes the checkpoint as a JSON object preserving insertion order.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range c.Entries() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(string(e.Stream))
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(string(e.Version))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping the document's key order.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	*c = *New()
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("checkpoint: expected object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("checkpoint: expected string key, got %v", keyTok)
		}
		var version string
		if err := dec.Decode(&version); err != nil {
			return fmt.Errorf("checkpoint: stream %s: %w", key, err)
		}
		c.Set(domain.ObjectIdentifier(key), domain.VersionIdentifier(version))
	}
	_, err = dec.Token()
	return err
}
