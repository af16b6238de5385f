package factory

import (
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// rejectReplies drops replies to other accounts. Self-replies (threads) are
// kept.
func rejectReplies(s *streaming.Status) bool {
	if !s.IsReply() {
		return true
	}
	return s.InReplyToAccountID != "" && s.InReplyToAccountID == s.Account.ID
}

func requireMedia(s *streaming.Status) bool {
	target := s
	if s.Reblog != nil {
		target = s.Reblog
	}
	return len(target.MediaAttachments) > 0
}

func requireTag(tag string) streaming.Predicate {
	return func(s *streaming.Status) bool {
		if s.Reblog != nil && s.Reblog.HasTag(tag) {
			return true
		}
		return s.HasTag(tag)
	}
}

// tagRules implements the hashtag any/all/none options. any widens the main
// tag, all requires every tag, none excludes.
func tagRules(main string, any, all, none []string) streaming.Predicate {
	if len(any) == 0 && len(all) == 0 && len(none) == 0 {
		return nil
	}
	return func(s *streaming.Status) bool {
		if len(any) > 0 {
			matched := s.HasTag(main)
			for _, t := range any {
				if matched {
					break
				}
				matched = s.HasTag(t)
			}
			if !matched {
				return false
			}
		}
		for _, t := range all {
			if !s.HasTag(t) {
				return false
			}
		}
		for _, t := range none {
			if s.HasTag(t) {
				return false
			}
		}
		return true
	}
}

// predicateFor builds the AND of every rule the spec implies. Returns nil
// when the feed accepts everything.
func predicateFor(s FeedSpec, filter streaming.Predicate) streaming.Predicate {
	var preds []streaming.Predicate
	switch s.Kind {
	case KindProfile:
		if !s.WithReplies {
			preds = append(preds, rejectReplies)
		}
		if s.Tagged != "" {
			preds = append(preds, requireTag(s.Tagged))
		}
		if s.OnlyMedia {
			preds = append(preds, requireMedia)
		}
	case KindHashtag:
		preds = append(preds, tagRules(s.Tag, s.Any, s.All, s.None))
		if s.OnlyMedia {
			preds = append(preds, requireMedia)
		}
	}
	preds = append(preds, filter)
	return streaming.And(preds...)
}
