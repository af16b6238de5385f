// Package router decodes inbound stream events and dispatches them to the
// feed, notification, conversation and announcement stores.
package router

import (
	"encoding/json"
	"fmt"

	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

// FeedMutator is the part of the feed store the router writes to.
type FeedMutator interface {
	Insert(feedID string, st *streaming.Status) bool
	UpdateStatus(st *streaming.Status) int
	Delete(id string) int
}

// GroupFolder is the part of the notification bridge the router writes to.
type GroupFolder interface {
	Fold(n streaming.Notification) bool
	MarkMerged()
}

// NotificationList is the flat notification list.
type NotificationList interface {
	Add(n streaming.Notification) bool
}

// ConversationStore receives conversation upserts.
type ConversationStore interface {
	Upsert(c streaming.Conversation)
}

// AnnouncementStore receives announcement events.
type AnnouncementStore interface {
	Upsert(a streaming.Announcement)
	React(d streaming.ReactionDelta) bool
	Remove(id string) bool
}

// Targets are the stores events land in. Nil targets make the matching kinds
// a no-op.
type Targets struct {
	Feeds         FeedMutator
	Groups        GroupFolder
	Notifications NotificationList
	Conversations ConversationStore
	Announcements AnnouncementStore
}

// Handler applies one event kind and returns the outcome label. A returned
// error means the payload did not decode.
type Handler func(ev streaming.Event, feedID string, accept streaming.Predicate) (string, error)

// Router dispatches through a kind -> handler table. It is owned by the loop.
type Router struct {
	targets  Targets
	handlers map[streaming.Kind]Handler
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// New creates a router with handlers for every built-in kind.
func New(targets Targets, logger logging.Logger, m *metrics.Metrics) *Router {
	r := &Router{
		targets:  targets,
		handlers: make(map[streaming.Kind]Handler),
		logger:   logging.OrDiscard(logger),
		metrics:  metrics.OrDetached(m),
	}
	r.handlers[streaming.KindUpdate] = r.update
	r.handlers[streaming.KindStatusUpdate] = r.statusUpdate
	r.handlers[streaming.KindDelete] = r.delete
	r.handlers[streaming.KindNotification] = r.notification
	r.handlers[streaming.KindNotificationsMerged] = r.notificationsMerged
	r.handlers[streaming.KindConversation] = r.conversation
	r.handlers[streaming.KindAnnouncement] = r.announcement
	r.handlers[streaming.KindAnnouncementReaction] = r.announcementReaction
	r.handlers[streaming.KindAnnouncementDelete] = r.announcementDelete
	return r
}

// Register adds or replaces the handler for a kind.
func (r *Router) Register(kind streaming.Kind, h Handler) {
	r.handlers[kind] = h
}

// Route applies ev on behalf of feedID. accept filters update events only;
// nil accepts everything. Unknown kinds are ignored and undecodable payloads
// drop only this event.
func (r *Router) Route(ev streaming.Event, feedID string, accept streaming.Predicate) {
	h, ok := r.handlers[ev.Kind]
	if !ok {
		r.metrics.EventsRouted.WithLabelValues("unknown", metrics.OutcomeIgnored).Inc()
		r.logger.WithFields(logging.Fields{
			"event": ev.Kind,
			"feed":  feedID,
		}).Debug("Ignoring unknown event kind")
		return
	}

	outcome, err := h(ev, feedID, accept)
	if err != nil {
		r.metrics.DecodeFailures.WithLabelValues(string(ev.Kind)).Inc()
		r.metrics.EventsRouted.WithLabelValues(string(ev.Kind), metrics.OutcomeDropped).Inc()
		r.logger.WithError(err).WithFields(logging.Fields{
			"event": ev.Kind,
			"feed":  feedID,
		}).Debug("Dropping undecodable event")
		return
	}
	r.metrics.EventsRouted.WithLabelValues(string(ev.Kind), outcome).Inc()
}

func decode(ev streaming.Event, v interface{}) error {
	if err := json.Unmarshal([]byte(ev.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Kind, err)
	}
	return nil
}

func applied(ok bool) string {
	if ok {
		return metrics.OutcomeApplied
	}
	return metrics.OutcomeIgnored
}

func (r *Router) update(ev streaming.Event, feedID string, accept streaming.Predicate) (string, error) {
	var st streaming.Status
	if err := decode(ev, &st); err != nil {
		return "", err
	}
	if st.ID == "" {
		return "", fmt.Errorf("decode %s payload: missing id", ev.Kind)
	}
	if r.targets.Feeds == nil {
		return metrics.OutcomeIgnored, nil
	}
	if accept != nil && !accept(&st) {
		return metrics.OutcomeFiltered, nil
	}
	return applied(r.targets.Feeds.Insert(feedID, &st)), nil
}

func (r *Router) statusUpdate(ev streaming.Event, _ string, _ streaming.Predicate) (string, error) {
	var st streaming.Status
	if err := decode(ev, &st); err != nil {
		return "", err
	}
	if r.targets.Feeds == nil {
		return metrics.OutcomeIgnored, nil
	}
	return applied(r.targets.Feeds.UpdateStatus(&st) > 0), nil
}

func (r *Router) delete(ev streaming.Event, _ string, _ streaming.Predicate) (string, error) {
	id := streaming.DecodeID(ev.Payload)
	if id == "" {
		return "", fmt.Errorf("decode %s payload: empty id", ev.Kind)
	}
	if r.targets.Feeds == nil {
		return metrics.OutcomeIgnored, nil
	}
	return applied(r.targets.Feeds.Delete(id) > 0), nil
}

func (r *Router) notification(ev streaming.Event, _ string, _ streaming.Predicate) (string, error) {
	var n streaming.Notification
	if err := decode(ev, &n); err != nil {
		return "", err
	}
	ok := false
	if r.targets.Groups != nil {
		ok = r.targets.Groups.Fold(n) || ok
	}
	if r.targets.Notifications != nil {
		ok = r.targets.Notifications.Add(n) || ok
	}
	return applied(ok), nil
}

func (r *Router) notificationsMerged(streaming.Event, string, streaming.Predicate) (string, error) {
	if r.targets.Groups == nil {
		return metrics.OutcomeIgnored, nil
	}
	r.targets.Groups.MarkMerged()
	return metrics.OutcomeApplied, nil
}

func (r *Router) conversation(ev streaming.Event, _ string, _ streaming.Predicate) (string, error) {
	var c streaming.Conversation
	if err := decode(ev, &c); err != nil {
		return "", err
	}
	if r.targets.Conversations == nil {
		return metrics.OutcomeIgnored, nil
	}
	r.targets.Conversations.Upsert(c)
	return metrics.OutcomeApplied, nil
}

func (r *Router) announcement(ev streaming.Event, _ string, _ streaming.Predicate) (string, error) {
	var a streaming.Announcement
	if err := decode(ev, &a); err != nil {
		return "", err
	}
	if r.targets.Announcements == nil {
		return metrics.OutcomeIgnored, nil
	}
	r.targets.Announcements.Upsert(a)
	return metrics.OutcomeApplied, nil
}

func (r *Router) announcementReaction(ev streaming.Event, _ string, _ streaming.Predicate) (string, error) {
	var d streaming.ReactionDelta
	if err := decode(ev, &d); err != nil {
		return "", err
	}
	if r.targets.Announcements == nil {
		return metrics.OutcomeIgnored, nil
	}
	return applied(r.targets.Announcements.React(d)), nil
}

func (r *Router) announcementDelete(ev streaming.Event, _ string, _ streaming.Predicate) (string, error) {
	id := streaming.DecodeID(ev.Payload)
	if id == "" {
		return "", fmt.Errorf("decode %s payload: empty id", ev.Kind)
	}
	if r.targets.Announcements == nil {
		return metrics.OutcomeIgnored, nil
	}
	return applied(r.targets.Announcements.Remove(id)), nil
}
