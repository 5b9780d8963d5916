package permission

import "testing"

func TestCovers(t *testing.T) {
	cases := []struct {
		held     string
		required string
		want     bool
	}{
		{"knowledge.read", "knowledge.read", true},
		{"knowledge.read", "knowledge.write", false},
		{"knowledge.*", "knowledge.read", true},
		{"knowledge.*", "knowledge.write", true},
		{"knowledge.*", "project.read", false},
		{"*", "knowledge.read", true},
		{"*", "anything.at.all", true},
		{"project.read", "knowledge.read", false},
		{"knowledge", "knowledge.read", false},
		{"", "knowledge.read", false},
	}
	for _, tc := range cases {
		if got := Parse(tc.held).Covers(Parse(tc.required)); got != tc.want {
			t.Errorf("Covers(%q, %q) = %v, want %v", tc.held, tc.required, got, tc.want)
		}
	}
}

func TestSetCovers(t *testing.T) {
	held := []string{"knowledge.*", "project.read"}
	if !SetCovers(held, "knowledge.write") {
		t.Error("knowledge.* should cover knowledge.write")
	}
	if !SetCovers(held, "project.read") {
		t.Error("exact match should cover")
	}
	if SetCovers(held, "project.write") {
		t.Error("project.write should not be covered")
	}
	if SetCovers(nil, "knowledge.read") {
		t.Error("empty set covers nothing")
	}
}

func TestParseActionWithDots(t *testing.T) {
	p := Parse("knowledge.page.update")
	if p.Resource != "knowledge" || p.Action != "page.update" {
		t.Fatalf("unexpected parse: %+v", p)
	}
	if p.String() != "knowledge.page.update" {
		t.Fatalf("round trip failed: %s", p.String())
	}
}
