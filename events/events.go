// Package events decodes Slack Events API callbacks into a tagged union of
// typed events. Decoding happens exactly once, at the HTTP boundary; the core
// packages never inspect raw JSON or untyped maps.
package events

import (
	"encoding/json"
	"fmt"
)

// Event is the tagged union of everything the bot reacts to.
type Event interface {
	isEvent()
}

// URLVerification is Slack's endpoint handshake; the challenge must be echoed
// back verbatim.
type URLVerification struct {
	Challenge string
}

// MessagePosted is a fresh channel message.
type MessagePosted struct {
	TeamID   string
	Channel  string
	User     string
	TS       string
	ThreadTS string
	Text     string
	Images   []string
}

// MessageEdited carries the edit event's own timestamp plus the edited
// message with its original timestamp, which is what keys the ledger.
type MessageEdited struct {
	TeamID  string
	Channel string
	TS      string
	Message MessagePosted
}

// MessageDeleted identifies a removed message by its original timestamp.
type MessageDeleted struct {
	TeamID    string
	Channel   string
	DeletedTS string
}

// MemberJoined fires when any user (including the bot) joins a channel.
type MemberJoined struct {
	TeamID  string
	Channel string
	User    string
	Inviter string
}

func (URLVerification) isEvent() {}
func (MessagePosted) isEvent()   {}
func (MessageEdited) isEvent()   {}
func (MessageDeleted) isEvent()  {}
func (MemberJoined) isEvent()    {}

type envelope struct {
	Type      string          `json:"type"`
	TeamID    string          `json:"team_id"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
}

type rawMessage struct {
	Type      string      `json:"type"`
	Subtype   string      `json:"subtype"`
	Channel   string      `json:"channel"`
	User      string      `json:"user"`
	Inviter   string      `json:"inviter"`
	TS        string      `json:"ts"`
	ThreadTS  string      `json:"thread_ts"`
	Text      string      `json:"text"`
	Files     []rawFile   `json:"files"`
	Message   *rawMessage `json:"message"`
	DeletedTS string      `json:"deleted_ts"`
}

type rawFile struct {
	URLPrivate string `json:"url_private"`
}

// Decode parses one Events API request body. Event types and message
// subtypes the bot doesn't handle decode to (nil, nil); the caller just
// acknowledges them.
func Decode(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "url_verification":
		return URLVerification{Challenge: env.Challenge}, nil
	case "event_callback":
		// fall through to the inner event
	default:
		return nil, nil
	}

	var inner rawMessage
	if err := json.Unmarshal(env.Event, &inner); err != nil {
		return nil, fmt.Errorf("decode inner event: %w", err)
	}

	switch inner.Type {
	case "member_joined_channel":
		return MemberJoined{
			TeamID:  env.TeamID,
			Channel: inner.Channel,
			User:    inner.User,
			Inviter: inner.Inviter,
		}, nil
	case "message":
		switch inner.Subtype {
		case "":
			return MessagePosted{
				TeamID:   env.TeamID,
				Channel:  inner.Channel,
				User:     inner.User,
				TS:       inner.TS,
				ThreadTS: inner.ThreadTS,
				Text:     inner.Text,
				Images:   imageURLs(inner.Files),
			}, nil
		case "file_share":
			// Slack marks uploads with a subtype but they are ordinary
			// messages for our purposes.
			return MessagePosted{
				TeamID:   env.TeamID,
				Channel:  inner.Channel,
				User:     inner.User,
				TS:       inner.TS,
				ThreadTS: inner.ThreadTS,
				Text:     inner.Text,
				Images:   imageURLs(inner.Files),
			}, nil
		case "message_changed":
			if inner.Message == nil {
				return nil, fmt.Errorf("message_changed without inner message")
			}
			return MessageEdited{
				TeamID:  env.TeamID,
				Channel: inner.Channel,
				TS:      inner.TS,
				Message: MessagePosted{
					TeamID:   env.TeamID,
					Channel:  inner.Channel,
					User:     inner.Message.User,
					TS:       inner.Message.TS,
					ThreadTS: inner.Message.ThreadTS,
					Text:     inner.Message.Text,
					Images:   imageURLs(inner.Message.Files),
				},
			}, nil
		case "message_deleted":
			return MessageDeleted{
				TeamID:    env.TeamID,
				Channel:   inner.Channel,
				DeletedTS: inner.DeletedTS,
			}, nil
		}
	}
	return nil, nil
}

func imageURLs(files []rawFile) []string {
	if len(files) == 0 {
		return nil
	}
	urls := make([]string, 0, len(files))
	for _, f := range files {
		urls = append(urls, f.URLPrivate)
	}
	return urls
}
