// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package matrix

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/holomush/trinity/internal/dispatch"
	"github.com/holomush/trinity/pkg/errutil"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

// Dispatcher turns a message into reply actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg dispatch.Message) ([]pluginpkg.Action, error)
}

// EventSender sends room events.
type EventSender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// Relay feeds room messages to a Dispatcher and sends back its replies.
type Relay struct {
	self       id.UserID
	sender     EventSender
	dispatcher Dispatcher
	joiner     *AutoJoiner
	logger     *slog.Logger
	started    time.Time

	wg sync.WaitGroup
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the logger.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithJoiner enables accepting invites addressed to the bot.
func WithJoiner(j *AutoJoiner) RelayOption {
	return func(r *Relay) {
		r.joiner = j
	}
}

// WithStartTime overrides the instant before which messages are ignored.
func WithStartTime(t time.Time) RelayOption {
	return func(r *Relay) {
		r.started = t
	}
}

// NewRelay creates a relay for the bot account self.
func NewRelay(self id.UserID, sender EventSender, dispatcher Dispatcher, opts ...RelayOption) *Relay {
	r := &Relay{
		self:       self,
		sender:     sender,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs the relay's handlers on syncer.
func (r *Relay) Register(syncer mautrix.ExtensibleSyncer) {
	syncer.OnEventType(event.EventMessage, r.HandleMessage)
	syncer.OnEventType(event.StateMember, r.HandleMember)
}

// Run registers the handlers and syncs until ctx is cancelled. A sync error
// other than cancellation is returned; it means the transport is gone.
func (r *Relay) Run(ctx context.Context, client *mautrix.Client) error {
	syncer, ok := client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return oops.In("matrix").Code("SYNCER_UNSUPPORTED").Errorf("client syncer cannot register handlers")
	}
	r.Register(syncer)

	r.logger.Info("listening for messages", "user_id", r.self)
	err := client.SyncWithContext(ctx)
	r.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return oops.In("matrix").Code("SYNC_FAILED").Wrap(err)
}

// Wait blocks until every in-flight message and join has finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// HandleMessage handles an m.room.message event. Own, redacted, non-text and
// pre-startup messages are ignored. Dispatch runs on its own goroutine so the
// sync loop is never blocked by a guest module.
func (r *Relay) HandleMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if !r.accepts(evt, content) {
		MessagesTotal.WithLabelValues(OutcomeIgnored).Inc()
		return
	}

	r.logger.Debug("received message",
		"sender", evt.Sender,
		"room_id", evt.RoomID,
		"event_id", evt.ID)

	msg := dispatch.Message{
		Sender: string(evt.Sender),
		Room:   string(evt.RoomID),
		Text:   content.Body,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reply(ctx, evt.RoomID, evt.ID, msg)
	}()
}

func (r *Relay) accepts(evt *event.Event, content *event.MessageEventContent) bool {
	switch {
	case evt.Sender == r.self:
		return false
	case evt.Unsigned.RedactedBecause != nil:
		r.logger.Debug("ignoring redacted message", "event_id", evt.ID)
		return false
	case evt.Timestamp < r.started.UnixMilli():
		return false
	}
	return content.MsgType == event.MsgText
}

func (r *Relay) reply(ctx context.Context, roomID id.RoomID, trigger id.EventID, msg dispatch.Message) {
	actions, err := r.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		MessagesTotal.WithLabelValues(OutcomeFailed).Inc()
		errutil.LogErrorContext(ctx, r.logger, "dispatch failed", err,
			"room_id", roomID,
			"event_id", trigger)
		return
	}
	MessagesTotal.WithLabelValues(OutcomeDispatched).Inc()

	for _, action := range actions {
		eventType, content, err := Content(action, trigger)
		if err != nil {
			errutil.LogErrorContext(ctx, r.logger, "dropping malformed action", err, "room_id", roomID)
			continue
		}
		if _, err := r.sender.SendMessageEvent(ctx, roomID, eventType, content); err != nil {
			EventsSentTotal.WithLabelValues(eventType.Type, "error").Inc()
			r.logger.Warn("failed to send reply",
				"room_id", roomID,
				"event_type", eventType.Type,
				"error", err)
			continue
		}
		EventsSentTotal.WithLabelValues(eventType.Type, "ok").Inc()
	}
}

// HandleMember handles an m.room.member event, joining rooms the bot is
// invited to.
func (r *Relay) HandleMember(ctx context.Context, evt *event.Event) {
	if r.joiner == nil || evt.GetStateKey() != string(r.self) {
		return
	}
	if evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}

	r.logger.Debug("autojoining room", "room_id", evt.RoomID, "inviter", evt.Sender)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.joiner.Join(ctx, evt.RoomID); err != nil {
			errutil.LogErrorContext(ctx, r.logger, "giving up on joining room", err)
		}
	}()
}
