package factory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the feeds file layout:
//
//	feeds:
//	  - kind: home
//	  - kind: hashtag
//	    tag: golang
//	    only_media: true
//	  - id: list:42
//
// An entry is either a full spec or an id in feed id form.
type File struct {
	Feeds []FileEntry `yaml:"feeds"`
}

// FileEntry is one feed in a feeds file.
type FileEntry struct {
	ID       string `yaml:"id,omitempty"`
	FeedSpec `yaml:",inline"`
}

// Spec resolves the entry. An id wins over inline fields except limit.
func (e FileEntry) Spec() (FeedSpec, error) {
	if e.ID == "" {
		return e.FeedSpec, e.FeedSpec.Validate()
	}
	spec, err := ParseFeedID(e.ID)
	if err != nil {
		return FeedSpec{}, err
	}
	spec.Limit = e.Limit
	return spec, nil
}

// LoadFile reads and validates a feeds file.
func LoadFile(path string) ([]FeedSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}
	specs, err := ParseFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// ParseFile decodes a feeds file. Unknown keys are rejected and duplicate
// feeds are collapsed onto the first occurrence.
func ParseFile(data []byte) ([]FeedSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode feeds file: %w", err)
	}

	seen := make(map[string]bool, len(f.Feeds))
	specs := make([]FeedSpec, 0, len(f.Feeds))
	for i, entry := range f.Feeds {
		spec, err := entry.Spec()
		if err != nil {
			return nil, fmt.Errorf("feed %d: %w", i, err)
		}
		id := spec.FeedID()
		if seen[id] {
			continue
		}
		seen[id] = true
		specs = append(specs, spec)
	}
	return specs, nil
}
