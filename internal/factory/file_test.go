package factory

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFile(t *testing.T) {
	data := []byte(`
feeds:
  - kind: home
  - kind: hashtag
    tag: "#GoLang"
    only_media: true
  - id: list:42
    limit: 10
  - id: home
`)
	specs, err := ParseFile(data)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	var ids []string
	for _, s := range specs {
		ids = append(ids, s.FeedID())
	}
	if got, want := strings.Join(ids, ","), "home,hashtag:golang:media,list:42"; got != want {
		t.Fatalf("ids = %s, want %s", got, want)
	}
	if specs[2].Limit != 10 {
		t.Errorf("limit on id entry = %d, want 10", specs[2].Limit)
	}
}

func TestParseFileRejects(t *testing.T) {
	cases := map[string]struct {
		data string
		want error
	}{
		"unknown kind":  {"feeds:\n  - kind: bogus\n", ErrUnknownKind},
		"missing tag":   {"feeds:\n  - kind: hashtag\n", ErrInvalidFeed},
		"bad id":        {"feeds:\n  - id: list\n", ErrInvalidFeed},
		"unknown field": {"feeds:\n  - kind: home\n    colour: red\n", nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFile([]byte(tc.data))
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestParseFileEmpty(t *testing.T) {
	specs, err := ParseFile(nil)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("expected no feeds, got %d", len(specs))
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	if err := os.WriteFile(path, []byte("feeds:\n  - kind: direct\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	specs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(specs) != 1 || specs[0].Kind != KindDirect {
		t.Fatalf("unexpected specs: %+v", specs)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
