package streaming

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Kind identifies an inbound event type.
type Kind string

const (
	KindUpdate               Kind = "update"
	KindStatusUpdate         Kind = "status.update"
	KindDelete               Kind = "delete"
	KindNotification         Kind = "notification"
	KindNotificationsMerged  Kind = "notifications_merged"
	KindConversation         Kind = "conversation"
	KindAnnouncement         Kind = "announcement"
	KindAnnouncementReaction Kind = "announcement.reaction"
	KindAnnouncementDelete   Kind = "announcement.delete"
)

// Kinds lists every event kind the engine understands.
var Kinds = []Kind{
	KindUpdate,
	KindStatusUpdate,
	KindDelete,
	KindNotification,
	KindNotificationsMerged,
	KindConversation,
	KindAnnouncement,
	KindAnnouncementReaction,
	KindAnnouncementDelete,
}

// Event is a single frame pushed by the streaming server.
// Payload is a JSON document for most kinds and a bare id for deletes.
type Event struct {
	Stream  []string `json:"stream,omitempty"`
	Kind    Kind     `json:"event"`
	Payload string   `json:"payload"`
}

// Subscription request types
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Channel is the identity of a server-side stream: a name plus flat string
// parameters such as tag, list or account_id.
type Channel struct {
	Name   string
	Params map[string]string
}

// NewChannel copies params so the identity cannot change after construction.
func NewChannel(name string, params map[string]string) Channel {
	var cp map[string]string
	if len(params) > 0 {
		cp = make(map[string]string, len(params))
		for k, v := range params {
			cp[k] = v
		}
	}
	return Channel{Name: name, Params: cp}
}

// Key returns the canonical identity key. Two channels with the same name and
// the same params (in any order) have the same key.
func (c Channel) Key() string {
	if len(c.Params) == 0 {
		return c.Name
	}
	values := url.Values{}
	for k, v := range c.Params {
		values.Set(k, v)
	}
	return c.Name + "?" + values.Encode()
}

// StreamTag is the value servers put in the "stream" field of frames
// belonging to this channel: the name followed by param values in key order.
func (c Channel) StreamTag() []string {
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tag := make([]string, 0, len(keys)+1)
	tag = append(tag, c.Name)
	for _, k := range keys {
		tag = append(tag, c.Params[k])
	}
	return tag
}

// Matches reports whether a frame's stream field belongs to this channel.
// Hashtag names are compared case-insensitively.
func (c Channel) Matches(stream []string) bool {
	tag := c.StreamTag()
	if len(tag) != len(stream) {
		return false
	}
	for i := range tag {
		if !strings.EqualFold(tag[i], stream[i]) {
			return false
		}
	}
	return true
}

// Request builds the outbound subscribe/unsubscribe frame.
func (c Channel) Request(action string) map[string]string {
	msg := make(map[string]string, len(c.Params)+2)
	for k, v := range c.Params {
		msg[k] = v
	}
	msg["type"] = action
	msg["stream"] = c.Name
	return msg
}

func (c Channel) String() string { return c.Key() }

// Sink receives transport lifecycle callbacks and frames for one channel.
// Implementations must not block.
type Sink interface {
	Connecting()
	Connected()
	Disconnected(err error)
	Received(ev Event)
}

// Predicate decides whether a status belongs in a feed.
type Predicate func(*Status) bool

// And combines predicates; nil entries are skipped. Returns nil when nothing
// remains so callers can treat the result as "accept everything".
func And(preds ...Predicate) Predicate {
	var live []Predicate
	for _, p := range preds {
		if p != nil {
			live = append(live, p)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return func(s *Status) bool {
		for _, p := range live {
			if !p(s) {
				return false
			}
		}
		return true
	}
}

// Account is the author of a status or notification.
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name,omitempty"`
	URL         string `json:"url,omitempty"`
	Bot         bool   `json:"bot,omitempty"`
}

// Tag is a hashtag attached to a status.
type Tag struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// MediaAttachment is a file attached to a status.
type MediaAttachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	PreviewURL  string `json:"preview_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// Status is a single post.
type Status struct {
	ID                 string            `json:"id"`
	URI                string            `json:"uri,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	EditedAt           *time.Time        `json:"edited_at,omitempty"`
	Account            Account           `json:"account"`
	Content            string            `json:"content"`
	SpoilerText        string            `json:"spoiler_text,omitempty"`
	Visibility         string            `json:"visibility,omitempty"`
	Sensitive          bool              `json:"sensitive,omitempty"`
	Language           string            `json:"language,omitempty"`
	InReplyToID        string            `json:"in_reply_to_id,omitempty"`
	InReplyToAccountID string            `json:"in_reply_to_account_id,omitempty"`
	Reblog             *Status           `json:"reblog,omitempty"`
	Tags               []Tag             `json:"tags,omitempty"`
	MediaAttachments   []MediaAttachment `json:"media_attachments,omitempty"`
	RepliesCount       int               `json:"replies_count"`
	ReblogsCount       int               `json:"reblogs_count"`
	FavouritesCount    int               `json:"favourites_count"`
}

// IsReply reports whether the status answers another status.
func (s *Status) IsReply() bool {
	return s.InReplyToID != ""
}

// HasTag reports whether the status carries the hashtag, case-insensitively.
func (s *Status) HasTag(name string) bool {
	name = strings.TrimPrefix(name, "#")
	for _, t := range s.Tags {
		if strings.EqualFold(t.Name, name) {
			return true
		}
	}
	return false
}

// Notification types
const (
	NotificationMention   = "mention"
	NotificationReblog    = "reblog"
	NotificationFavourite = "favourite"
	NotificationFollow    = "follow"
	NotificationPoll      = "poll"
	NotificationUpdate    = "update"
)

// Notification is a single ungrouped notification.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Account   Account   `json:"account"`
	Status    *Status   `json:"status,omitempty"`
	GroupKey  string    `json:"group_key,omitempty"`
}

// NotificationGroup is a server-side grouping of notifications.
type NotificationGroup struct {
	GroupKey                 string    `json:"group_key"`
	Type                     string    `json:"type"`
	NotificationsCount       int       `json:"notifications_count"`
	MostRecentNotificationID string    `json:"most_recent_notification_id"`
	PageMinID                string    `json:"page_min_id,omitempty"`
	PageMaxID                string    `json:"page_max_id,omitempty"`
	LatestPageNotificationAt time.Time `json:"latest_page_notification_at"`
	SampleAccountIDs         []string  `json:"sample_account_ids"`
	StatusID                 string    `json:"status_id,omitempty"`
}

// Conversation is a direct message thread.
type Conversation struct {
	ID         string    `json:"id"`
	Unread     bool      `json:"unread"`
	Accounts   []Account `json:"accounts"`
	LastStatus *Status   `json:"last_status,omitempty"`
}

// Reaction is an emoji reaction count on an announcement.
type Reaction struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Me    bool   `json:"me,omitempty"`
}

// Announcement is a server-wide notice.
type Announcement struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	PublishedAt time.Time  `json:"published_at"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`
	Reactions   []Reaction `json:"reactions"`
}

// ReactionDelta is the payload of announcement.reaction: the new total for
// one reaction name.
type ReactionDelta struct {
	AnnouncementID string `json:"announcement_id"`
	Name           string `json:"name"`
	Count          int    `json:"count"`
}

// DecodeID reads a bare id payload. Servers send it either raw or as a JSON
// string.
func DecodeID(payload string) string {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, `"`) {
		var id string
		if err := json.Unmarshal([]byte(payload), &id); err == nil {
			return id
		}
	}
	return payload
}

// CompareID orders snowflake-style ids by recency: longer ids are newer,
// equal-length ids compare lexically. Returns -1, 0 or 1.
func CompareID(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
