// Package factory turns a feed description into the channel identity,
// REST endpoint, accept predicate and refresh routines the engine needs.
package factory

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Kind is the feed type.
type Kind string

const (
	KindHome      Kind = "home"
	KindCommunity Kind = "community"
	KindPublic    Kind = "public"
	KindHashtag   Kind = "hashtag"
	KindList      Kind = "list"
	KindProfile   Kind = "profile"
	KindDirect    Kind = "direct"
)

const (
	DefaultLimit = 20
	MaxLimit     = 40
)

var (
	ErrUnknownKind = errors.New("factory: unknown feed kind")
	ErrInvalidFeed = errors.New("factory: invalid feed")
)

// FeedSpec describes one feed. It is what the feeds file and the CLI
// produce.
type FeedSpec struct {
	Kind       Kind `yaml:"kind" json:"kind"`
	OnlyMedia  bool `yaml:"only_media,omitempty" json:"only_media,omitempty"`
	OnlyLocal  bool `yaml:"only_local,omitempty" json:"only_local,omitempty"`
	OnlyRemote bool `yaml:"only_remote,omitempty" json:"only_remote,omitempty"`

	// Hashtag feeds
	Tag  string   `yaml:"tag,omitempty" json:"tag,omitempty"`
	Any  []string `yaml:"any,omitempty" json:"any,omitempty"`
	All  []string `yaml:"all,omitempty" json:"all,omitempty"`
	None []string `yaml:"none,omitempty" json:"none,omitempty"`

	// List feeds
	ListID string `yaml:"list_id,omitempty" json:"list_id,omitempty"`

	// Profile feeds
	AccountID   string `yaml:"account_id,omitempty" json:"account_id,omitempty"`
	WithReplies bool   `yaml:"with_replies,omitempty" json:"with_replies,omitempty"`
	Tagged      string `yaml:"tagged,omitempty" json:"tagged,omitempty"`

	// Filter is an optional CEL expression over the status.
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`
	Limit  int    `yaml:"limit,omitempty" json:"limit,omitempty"`
}

func normTag(t string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
}

func normTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = normTag(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Normalize returns a copy with tags lower-cased and sorted and the limit
// clamped.
func (s FeedSpec) Normalize() FeedSpec {
	s.Tag = normTag(s.Tag)
	s.Tagged = normTag(s.Tagged)
	s.Any = normTags(s.Any)
	s.All = normTags(s.All)
	s.None = normTags(s.None)
	s.ListID = strings.TrimSpace(s.ListID)
	s.AccountID = strings.TrimSpace(s.AccountID)
	s.Filter = strings.TrimSpace(s.Filter)
	switch {
	case s.Limit <= 0:
		s.Limit = DefaultLimit
	case s.Limit > MaxLimit:
		s.Limit = MaxLimit
	}
	return s
}

// Validate checks that the parameters the kind needs are present.
func (s FeedSpec) Validate() error {
	switch s.Kind {
	case KindHome, KindCommunity, KindDirect:
	case KindPublic:
		if s.OnlyLocal && s.OnlyRemote {
			return fmt.Errorf("%w: only_local and only_remote are exclusive", ErrInvalidFeed)
		}
	case KindHashtag:
		if normTag(s.Tag) == "" {
			return fmt.Errorf("%w: hashtag feed needs a tag", ErrInvalidFeed)
		}
	case KindList:
		if strings.TrimSpace(s.ListID) == "" {
			return fmt.Errorf("%w: list feed needs a list id", ErrInvalidFeed)
		}
	case KindProfile:
		if strings.TrimSpace(s.AccountID) == "" {
			return fmt.Errorf("%w: profile feed needs an account id", ErrInvalidFeed)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	return nil
}

// FeedID returns the deterministic id of the feed. Specs that differ only in
// limit share an id.
func (s FeedSpec) FeedID() string {
	s = s.Normalize()
	var b strings.Builder
	switch s.Kind {
	case KindHome, KindDirect:
		b.WriteString(string(s.Kind))
	case KindCommunity:
		b.WriteString("community")
		if s.OnlyMedia {
			b.WriteString(":media")
		}
	case KindPublic:
		if s.OnlyLocal {
			b.WriteString("community")
		} else {
			b.WriteString("public")
		}
		if s.OnlyRemote {
			b.WriteString(":remote")
		}
		if s.OnlyMedia {
			b.WriteString(":media")
		}
	case KindHashtag:
		b.WriteString("hashtag:" + s.Tag)
		if s.OnlyLocal {
			b.WriteString(":local")
		}
		if s.OnlyMedia {
			b.WriteString(":media")
		}
		writeTags(&b, "any", s.Any)
		writeTags(&b, "all", s.All)
		writeTags(&b, "none", s.None)
	case KindList:
		b.WriteString("list:" + s.ListID)
	case KindProfile:
		b.WriteString("account:" + s.AccountID)
		if s.OnlyMedia {
			b.WriteString(":media")
		}
		if s.WithReplies {
			b.WriteString(":with_replies")
		}
		if s.Tagged != "" {
			b.WriteString(":tagged:" + s.Tagged)
		}
	default:
		b.WriteString(string(s.Kind))
	}
	if s.Filter != "" {
		b.WriteString("?filter=" + url.QueryEscape(s.Filter))
	}
	return b.String()
}

func writeTags(b *strings.Builder, name string, tags []string) {
	if len(tags) == 0 {
		return
	}
	b.WriteString(":" + name + "=" + strings.Join(tags, "+"))
}

// ParseFeedID is the inverse of FeedID.
func ParseFeedID(id string) (FeedSpec, error) {
	var spec FeedSpec
	base, filter, hasFilter := strings.Cut(id, "?filter=")
	if hasFilter {
		f, err := url.QueryUnescape(filter)
		if err != nil {
			return FeedSpec{}, fmt.Errorf("%w: bad filter in %q: %v", ErrInvalidFeed, id, err)
		}
		spec.Filter = f
	}

	parts := strings.Split(base, ":")
	head, rest := parts[0], parts[1:]
	flags := func(allowed ...string) error {
		for _, p := range rest {
			switch {
			case p == "media" && contains(allowed, "media"):
				spec.OnlyMedia = true
			case p == "remote" && contains(allowed, "remote"):
				spec.OnlyRemote = true
			case p == "local" && contains(allowed, "local"):
				spec.OnlyLocal = true
			case p == "with_replies" && contains(allowed, "with_replies"):
				spec.WithReplies = true
			case strings.HasPrefix(p, "any=") && contains(allowed, "tags"):
				spec.Any = strings.Split(strings.TrimPrefix(p, "any="), "+")
			case strings.HasPrefix(p, "all=") && contains(allowed, "tags"):
				spec.All = strings.Split(strings.TrimPrefix(p, "all="), "+")
			case strings.HasPrefix(p, "none=") && contains(allowed, "tags"):
				spec.None = strings.Split(strings.TrimPrefix(p, "none="), "+")
			default:
				return fmt.Errorf("%w: unexpected segment %q in %q", ErrInvalidFeed, p, id)
			}
		}
		return nil
	}

	var err error
	switch head {
	case "home", "direct":
		spec.Kind = Kind(head)
		if len(rest) > 0 {
			err = fmt.Errorf("%w: %q takes no options", ErrInvalidFeed, id)
		}
	case "community":
		spec.Kind = KindCommunity
		err = flags("media")
	case "public":
		spec.Kind = KindPublic
		err = flags("media", "remote")
	case "hashtag":
		spec.Kind = KindHashtag
		if len(rest) == 0 || rest[0] == "" {
			return FeedSpec{}, fmt.Errorf("%w: %q has no tag", ErrInvalidFeed, id)
		}
		spec.Tag, rest = rest[0], rest[1:]
		err = flags("local", "media", "tags")
	case "list":
		spec.Kind = KindList
		if len(rest) != 1 || rest[0] == "" {
			return FeedSpec{}, fmt.Errorf("%w: %q needs exactly one list id", ErrInvalidFeed, id)
		}
		spec.ListID = rest[0]
	case "account":
		spec.Kind = KindProfile
		if len(rest) == 0 || rest[0] == "" {
			return FeedSpec{}, fmt.Errorf("%w: %q has no account id", ErrInvalidFeed, id)
		}
		spec.AccountID, rest = rest[0], rest[1:]
		for i, p := range rest {
			if p == "tagged" && i+1 < len(rest) {
				spec.Tagged = rest[i+1]
				rest = append(append([]string(nil), rest[:i]...), rest[i+2:]...)
				break
			}
		}
		err = flags("media", "with_replies")
	default:
		return FeedSpec{}, fmt.Errorf("%w: %q", ErrUnknownKind, head)
	}
	if err != nil {
		return FeedSpec{}, err
	}
	return spec, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
