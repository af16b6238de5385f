package factory

import (
	"net/url"

	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// Endpoint is the REST timeline a feed polls and backfills from.
type Endpoint struct {
	Path  string     `json:"path"`
	Query url.Values `json:"query,omitempty"`
}

// Request builds a page request against the endpoint.
func (e Endpoint) Request(limit int) streaming.FetchRequest {
	q := url.Values{}
	for k, v := range e.Query {
		q[k] = append([]string(nil), v...)
	}
	return streaming.FetchRequest{Path: e.Path, Query: q, Limit: limit}
}

// Config is everything the engine needs to run a feed.
type Config struct {
	Spec        FeedSpec
	FeedID      string
	ChannelName string
	Params      map[string]string
	Endpoint    Endpoint
	Limit       int
	// Accept filters streamed updates. Nil accepts everything.
	Accept streaming.Predicate
	// Fallback polls while the channel is down. Nil disables polling.
	Fallback Routine
	// GapFill runs once on every connect.
	GapFill Routine
	// Backfill fills a pending gap, or loads the next older page.
	Backfill Routine
}

// Build derives the feed configuration from spec. The result depends only on
// spec.
func Build(spec FeedSpec) (Config, error) {
	if err := spec.Validate(); err != nil {
		return Config{}, err
	}
	s := spec.Normalize()
	if s.Kind == KindPublic && s.OnlyLocal {
		s.Kind = KindCommunity
		s.OnlyLocal = false
	}

	filter, err := compileFilter(s.Filter)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Spec:   s,
		FeedID: s.FeedID(),
		Limit:  s.Limit,
		Accept: predicateFor(s, filter),
	}
	q := url.Values{}
	if s.OnlyMedia && s.Kind != KindProfile {
		q.Set("only_media", "true")
	}

	switch s.Kind {
	case KindHome:
		cfg.ChannelName = "user"
		cfg.Endpoint = Endpoint{Path: "/api/v1/timelines/home"}
	case KindCommunity:
		cfg.ChannelName = "public:local"
		if s.OnlyMedia {
			cfg.ChannelName += ":media"
		}
		q.Set("local", "true")
		cfg.Endpoint = Endpoint{Path: "/api/v1/timelines/public", Query: q}
	case KindPublic:
		cfg.ChannelName = "public"
		if s.OnlyRemote {
			cfg.ChannelName += ":remote"
			q.Set("remote", "true")
		}
		if s.OnlyMedia {
			cfg.ChannelName += ":media"
		}
		cfg.Endpoint = Endpoint{Path: "/api/v1/timelines/public", Query: q}
	case KindHashtag:
		cfg.ChannelName = "hashtag"
		if s.OnlyLocal {
			cfg.ChannelName = "hashtag:local"
			q.Set("local", "true")
		}
		cfg.Params = map[string]string{"tag": s.Tag}
		for _, t := range s.Any {
			q.Add("any[]", t)
		}
		for _, t := range s.All {
			q.Add("all[]", t)
		}
		for _, t := range s.None {
			q.Add("none[]", t)
		}
		cfg.Endpoint = Endpoint{Path: "/api/v1/timelines/tag/" + url.PathEscape(s.Tag), Query: q}
	case KindList:
		cfg.ChannelName = "list"
		cfg.Params = map[string]string{"list": s.ListID}
		cfg.Endpoint = Endpoint{Path: "/api/v1/timelines/list/" + url.PathEscape(s.ListID)}
	case KindProfile:
		cfg.ChannelName = "account"
		cfg.Params = map[string]string{"account_id": s.AccountID}
		if !s.WithReplies {
			q.Set("exclude_replies", "true")
		}
		if s.Tagged != "" {
			q.Set("tagged", s.Tagged)
		}
		if s.OnlyMedia {
			q.Set("only_media", "true")
		}
		cfg.Endpoint = Endpoint{Path: "/api/v1/accounts/" + url.PathEscape(s.AccountID) + "/statuses", Query: q}
	case KindDirect:
		cfg.ChannelName = "direct"
		cfg.Endpoint = Endpoint{Path: "/api/v1/timelines/direct"}
	}
	if len(cfg.Endpoint.Query) == 0 {
		cfg.Endpoint.Query = nil
	}

	cfg.GapFill = fetchNewer(cfg)
	cfg.Backfill = backfill(cfg)
	if s.Kind == KindHome {
		cfg.Fallback = chain(fetchNewer(cfg), refreshNotifications)
	}
	return cfg, nil
}
