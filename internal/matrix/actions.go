// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package matrix connects trinity to a Matrix homeserver.
//
// The package is a thin shim over mautrix: it logs in, persists sync and
// device state in the bot's key/value store, feeds text messages to the
// dispatcher and turns the resulting actions back into room events.
package matrix

import (
	"github.com/samber/oops"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

// Content converts an action into the event type and content sent to the
// room the triggering message came from. React actions annotate trigger.
func Content(action pluginpkg.Action, trigger id.EventID) (event.Type, any, error) {
	if err := action.Validate(); err != nil {
		return event.Type{}, nil, oops.In("matrix").Code("INVALID_ACTION").
			With("kind", action.Kind).
			Wrap(err)
	}

	switch action.Kind {
	case pluginpkg.ActionReact:
		return event.EventReaction, &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{
				Type:    event.RelAnnotation,
				EventID: trigger,
				Key:     action.Emoji,
			},
		}, nil
	default:
		content := &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    action.Text,
		}
		if action.HTML != "" {
			content.Format = event.FormatHTML
			content.FormattedBody = action.HTML
			if content.Body == "" {
				content.Body = action.HTML
			}
		}
		return event.EventMessage, content, nil
	}
}
