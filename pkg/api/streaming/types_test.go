package streaming

import (
	"encoding/json"
	"testing"
)

func TestChannelKeyIsOrderIndependent(t *testing.T) {
	a := NewChannel("hashtag", map[string]string{"tag": "go", "local": "true"})
	b := NewChannel("hashtag", map[string]string{"local": "true", "tag": "go"})
	if a.Key() != b.Key() {
		t.Fatalf("expected same key, got %q and %q", a.Key(), b.Key())
	}
	if NewChannel("user", nil).Key() != "user" {
		t.Fatalf("expected bare name for param-less channel")
	}
	if a.Key() == NewChannel("hashtag", map[string]string{"tag": "rust"}).Key() {
		t.Fatalf("expected different keys for different params")
	}
}

func TestNewChannelCopiesParams(t *testing.T) {
	params := map[string]string{"tag": "go"}
	ch := NewChannel("hashtag", params)
	params["tag"] = "rust"
	if ch.Params["tag"] != "go" {
		t.Fatalf("identity changed after construction")
	}
}

func TestChannelMatches(t *testing.T) {
	ch := NewChannel("hashtag", map[string]string{"tag": "GoLang"})
	if !ch.Matches([]string{"hashtag", "golang"}) {
		t.Fatalf("expected case-insensitive match")
	}
	if ch.Matches([]string{"hashtag"}) {
		t.Fatalf("expected mismatch on shorter stream")
	}
	if ch.Matches([]string{"hashtag:local", "golang"}) {
		t.Fatalf("expected mismatch on other name")
	}
}

func TestChannelRequest(t *testing.T) {
	ch := NewChannel("list", map[string]string{"list": "42"})
	raw, err := json.Marshal(ch.Request(TypeSubscribe))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"list":"42","stream":"list","type":"subscribe"}` {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func TestDecodeID(t *testing.T) {
	cases := map[string]string{
		"109":       "109",
		`"109"`:     "109",
		" 110\n":    "110",
		`"unclosed`: `"unclosed`,
	}
	for in, want := range cases {
		if got := DecodeID(in); got != want {
			t.Fatalf("DecodeID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompareID(t *testing.T) {
	if CompareID("99", "100") != -1 {
		t.Fatalf("shorter id must be older")
	}
	if CompareID("101", "100") != 1 {
		t.Fatalf("expected lexical ordering at equal length")
	}
	if CompareID("7", "7") != 0 {
		t.Fatalf("expected equality")
	}
}

func TestAnd(t *testing.T) {
	if And(nil, nil) != nil {
		t.Fatalf("expected nil when no predicates")
	}
	yes := func(*Status) bool { return true }
	no := func(*Status) bool { return false }
	if !And(yes, nil)(&Status{}) {
		t.Fatalf("single predicate should pass through")
	}
	if And(yes, no)(&Status{}) {
		t.Fatalf("expected AND semantics")
	}
}

func TestStatusHasTag(t *testing.T) {
	s := &Status{Tags: []Tag{{Name: "GoLang"}}}
	if !s.HasTag("#golang") {
		t.Fatalf("expected tag match")
	}
	if s.HasTag("rust") {
		t.Fatalf("unexpected tag match")
	}
}

func TestFetchRequestValues(t *testing.T) {
	req := FetchRequest{
		Path:    "/api/v1/timelines/tag/go",
		Query:   map[string][]string{"any[]": {"golang", "gopher"}},
		SinceID: "10",
		Limit:   20,
	}
	got := req.Values().Encode()
	want := "any%5B%5D=golang&any%5B%5D=gopher&limit=20&since_id=10"
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}
