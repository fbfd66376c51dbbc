package myft

import (
	"encoding/json"
	"testing"
)

func TestParseRelationshipKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    RelationshipKey
		wantErr bool
	}{
		{
			name: "relationship and type",
			raw:  "followed.topic",
			want: RelationshipKey{Relationship: "followed", Type: "topic"},
		},
		{
			name: "surrounding whitespace",
			raw:  " saved.content ",
			want: RelationshipKey{Relationship: "saved", Type: "content"},
		},
		{name: "missing type", raw: "followed", wantErr: true},
		{name: "empty type", raw: "followed.", wantErr: true},
		{name: "extra separator", raw: "followed.topic.x", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseRelationshipKey(testCase.raw)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("ParseRelationshipKey(%q) error = nil, want error", testCase.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRelationshipKey(%q) failed: %v", testCase.raw, err)
			}
			if got != testCase.want {
				t.Fatalf("ParseRelationshipKey(%q) = %+v, want %+v", testCase.raw, got, testCase.want)
			}
			if got.String() != testCase.want.Relationship+"."+testCase.want.Type {
				t.Fatalf("String() = %s", got.String())
			}
		})
	}
}

func TestMergeRelationshipsDropsStructuralDuplicates(t *testing.T) {
	t.Parallel()

	merged := MergeRelationships(DefaultRelationships,
		RelationshipKey{Relationship: "followed", Type: "topic"},
		RelationshipKey{Relationship: "enabled", Type: "endpoint"},
		RelationshipKey{Relationship: "followed", Type: "topic"},
	)

	want := []string{"preferred.preference", "enabled.endpoint", "created.list", "followed.topic"}
	if len(merged) != len(want) {
		t.Fatalf("merged = %v, want %v", merged, want)
	}
	for idx, key := range merged {
		if key.String() != want[idx] {
			t.Fatalf("merged[%d] = %s, want %s", idx, key, want[idx])
		}
	}
}

func TestDecodeCollectionNormalizesEmptyResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "whitespace body", body: "  \n"},
		{name: "null body", body: "null"},
		{name: "malformed body", body: "{not json"},
		{name: "object without items", body: `{"total":0}`},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got := DecodeCollection([]byte(testCase.body))
			if got.Total != 0 || got.Count != 0 {
				t.Fatalf("counters = %d/%d, want 0/0", got.Total, got.Count)
			}
			if got.Items == nil || len(got.Items) != 0 {
				t.Fatalf("items = %#v, want empty non-nil slice", got.Items)
			}
		})
	}
}

func TestDecodeCollectionKeepsItems(t *testing.T) {
	t.Parallel()

	got := DecodeCollection([]byte(`{"total":18,"items":[{"uuid":"TnN0ZWluX0dMX0FG-R0w=","name":"Stein"}],"count":18}`))
	if got.Total != 18 || got.Count != 18 {
		t.Fatalf("counters = %d/%d, want 18/18", got.Total, got.Count)
	}
	if len(got.Items) != 1 {
		t.Fatalf("items len = %d, want 1", len(got.Items))
	}
	if got.Items[0].UUID != "TnN0ZWluX0dMX0FG-R0w=" {
		t.Fatalf("uuid = %s", got.Items[0].UUID)
	}
	if name := got.Items[0].Field("name").String(); name != "Stein" {
		t.Fatalf("name field = %s, want Stein", name)
	}
}

func TestItemMarshalKeepsRawRecord(t *testing.T) {
	t.Parallel()

	var item Item
	if err := json.Unmarshal([]byte(`{"uuid":"X","extra":true}`), &item); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(encoded) != `{"uuid":"X","extra":true}` {
		t.Fatalf("encoded = %s", encoded)
	}

	encoded, err = json.Marshal(Item{UUID: "Y"})
	if err != nil {
		t.Fatalf("marshal bare item failed: %v", err)
	}
	if string(encoded) != `{"uuid":"Y"}` {
		t.Fatalf("encoded bare item = %s", encoded)
	}
}

func TestItemMatchesBySubstring(t *testing.T) {
	t.Parallel()

	item := Item{UUID: "Topics:TnN0ZWluX0dMX0FG-R0w="}
	tests := []struct {
		subject string
		want    bool
	}{
		{subject: "Topics:TnN0ZWluX0dMX0FG-R0w=", want: true},
		{subject: "TnN0ZWluX0dMX0FG-R0w=", want: true},
		{subject: "Topics", want: true},
		{subject: "", want: true},
		{subject: "Other", want: false},
	}
	for _, testCase := range tests {
		if got := item.Matches(testCase.subject); got != testCase.want {
			t.Fatalf("Matches(%q) = %v, want %v", testCase.subject, got, testCase.want)
		}
	}
}

func TestVerbMappingSubjectPrefix(t *testing.T) {
	t.Parallel()

	mapping := VerbMapping{Relationship: "followed", Type: "concept", SubjectPrefix: "Topics:"}
	if got := mapping.Subject("abc"); got != "Topics:abc" {
		t.Fatalf("Subject(abc) = %s", got)
	}
	if got := mapping.Subject("Topics:abc"); got != "Topics:abc" {
		t.Fatalf("Subject(Topics:abc) = %s", got)
	}
	if mapping.Key().String() != "followed.concept" {
		t.Fatalf("Key() = %s", mapping.Key())
	}
}
