package myft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// RelationshipKey identifies one cached relationship collection.
type RelationshipKey struct {
	// Relationship names the association category, for example "followed".
	Relationship string `json:"relationship"`
	// Type names the sub-classification, for example "topic".
	Type string `json:"type"`
}

// DefaultRelationships are always requested at initialization.
var DefaultRelationships = []RelationshipKey{
	{Relationship: "preferred", Type: "preference"},
	{Relationship: "enabled", Type: "endpoint"},
	{Relationship: "created", Type: "list"},
}

// String returns the stable "<relationship>.<type>" form.
func (k RelationshipKey) String() string {
	return k.Relationship + "." + k.Type
}

// Validate checks that both key parts are present and free of separators.
func (k RelationshipKey) Validate() error {
	if k.Relationship == "" {
		return fmt.Errorf("validate relationship key: missing relationship")
	}
	if k.Type == "" {
		return fmt.Errorf("validate relationship key %s: missing type", k)
	}
	if strings.ContainsAny(k.Relationship, "./") || strings.ContainsAny(k.Type, "./") {
		return fmt.Errorf("validate relationship key %s: separator in key part", k)
	}

	return nil
}

// ParseRelationshipKey parses the "<relationship>.<type>" form.
func ParseRelationshipKey(raw string) (RelationshipKey, error) {
	relationship, relType, found := strings.Cut(strings.TrimSpace(raw), ".")
	if !found {
		return RelationshipKey{}, fmt.Errorf("parse relationship key %q: missing type", raw)
	}

	key := RelationshipKey{Relationship: relationship, Type: relType}
	if err := key.Validate(); err != nil {
		return RelationshipKey{}, fmt.Errorf("parse relationship key %q: %w", raw, err)
	}

	return key, nil
}

// MergeRelationships returns base followed by extra with structural duplicates dropped.
// First occurrence order is kept.
func MergeRelationships(base []RelationshipKey, extra ...RelationshipKey) []RelationshipKey {
	seen := make(map[RelationshipKey]struct{}, len(base)+len(extra))
	merged := make([]RelationshipKey, 0, len(base)+len(extra))
	for _, group := range [][]RelationshipKey{base, extra} {
		for _, key := range group {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, key)
		}
	}

	return merged
}

// Collection is one loaded relationship collection.
type Collection struct {
	Total int    `json:"total"`
	Items []Item `json:"items"`
	Count int    `json:"count"`
}

// EmptyCollection returns the canonical empty collection.
func EmptyCollection() Collection {
	return Collection{Items: []Item{}}
}

// DecodeCollection decodes a response body into a normalized collection.
//
// Absent, null, or malformed bodies yield the canonical empty collection.
func DecodeCollection(body []byte) Collection {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return EmptyCollection()
	}

	var decoded Collection
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return EmptyCollection()
	}

	return decoded.Normalize()
}

// Normalize replaces nil items and negative counters with canonical values.
func (c Collection) Normalize() Collection {
	if c.Items == nil {
		c.Items = []Item{}
	}
	if c.Total < 0 {
		c.Total = 0
	}
	if c.Count < 0 {
		c.Count = 0
	}

	return c
}

// Clone returns a copy whose item slice is not shared with c.
func (c Collection) Clone() Collection {
	cloned := c
	cloned.Items = append(make([]Item, 0, len(c.Items)), c.Items...)

	return cloned
}

// Item is an opaque relationship record. Only UUID is interpreted.
type Item struct {
	// UUID identifies the related content and is used for containment checks.
	UUID string
	// Raw keeps the record exactly as the API returned it.
	Raw json.RawMessage
}

// UnmarshalJSON keeps the raw record and extracts its uuid field.
func (i *Item) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("unmarshal item: invalid json")
	}

	i.Raw = append(json.RawMessage(nil), data...)
	i.UUID = gjson.GetBytes(data, "uuid").String()

	return nil
}

// MarshalJSON returns the raw record, or a minimal uuid record when none is kept.
func (i Item) MarshalJSON() ([]byte, error) {
	if len(i.Raw) > 0 {
		return i.Raw, nil
	}

	return json.Marshal(struct {
		UUID string `json:"uuid"`
	}{UUID: i.UUID})
}

// Field returns one raw field of the record by gjson path.
func (i Item) Field(path string) gjson.Result {
	return gjson.GetBytes(i.Raw, path)
}

// Matches reports whether the item uuid contains subject.
// An empty subject matches every item.
func (i Item) Matches(subject string) bool {
	return strings.Contains(i.UUID, subject)
}

// VerbMapping maps a legacy verb onto a relationship key and subject prefix.
type VerbMapping struct {
	Relationship  string `json:"relationship"`
	Type          string `json:"type"`
	SubjectPrefix string `json:"subject_prefix"`
}

// Key returns the relationship key addressed by the mapping.
func (m VerbMapping) Key() RelationshipKey {
	return RelationshipKey{Relationship: m.Relationship, Type: m.Type}
}

// Subject applies the configured prefix to subject once.
func (m VerbMapping) Subject(subject string) string {
	if m.SubjectPrefix == "" || strings.HasPrefix(subject, m.SubjectPrefix) {
		return subject
	}

	return m.SubjectPrefix + subject
}

// DefaultVerbs returns the built-in legacy verb mappings.
func DefaultVerbs() map[string]VerbMapping {
	return map[string]VerbMapping{
		"followed": {Relationship: "followed", Type: "concept"},
		"saved":    {Relationship: "saved", Type: "content"},
	}
}
