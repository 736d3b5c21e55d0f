package proto

import (
	"strings"
	"time"
)

// TimeLayout is the clock stamp at the head of every envelope.
const TimeLayout = "15:04:05"

const (
	systemSender  = "System"
	privateMarker = "[Private from "

	// JoinedSuffix and LeftSuffix end the system notices a session publishes.
	JoinedSuffix = " joined the chat"
	LeftSuffix   = " left the chat"
)

// Kind tells envelope shapes apart.
type Kind int

const (
	// KindUnknown is text that does not look like any envelope.
	KindUnknown Kind = iota
	// KindChat is "[HH:MM:SS] <nick>: <body>".
	KindChat
	// KindSystem is "[HH:MM:SS] System: <body>".
	KindSystem
	// KindPrivate is "[HH:MM:SS] [Private from <nick>] <body>".
	KindPrivate
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindSystem:
		return "system"
	case KindPrivate:
		return "private"
	default:
		return "unknown"
	}
}

// Chat formats a room message from sender.
func Chat(at time.Time, sender, body string) string {
	return stamp(at) + sender + ": " + body
}

// System formats a room notice.
func System(at time.Time, body string) string {
	return stamp(at) + systemSender + ": " + body
}

// Private formats a direct message from sender.
func Private(at time.Time, sender, body string) string {
	return stamp(at) + privateMarker + sender + "] " + body
}

// Joined is the system notice body for nickname entering a room.
func Joined(nickname string) string { return nickname + JoinedSuffix }

// Left is the system notice body for nickname leaving a room.
func Left(nickname string) string { return nickname + LeftSuffix }

func stamp(at time.Time) string {
	return "[" + at.Format(TimeLayout) + "] "
}

// Envelope is a parsed message line.
type Envelope struct {
	Kind   Kind
	Time   string
	Sender string
	Body   string
}

// Parse classifies text by its prefix. It is a best-effort reading of an
// unstructured format: a nickname containing ": " or "] " cannot be told apart
// from the body, and a user named "System" looks like a system notice.
func Parse(text string) (Envelope, bool) {
	if len(text) < len(TimeLayout)+3 || text[0] != '[' || text[len(TimeLayout)+1] != ']' || text[len(TimeLayout)+2] != ' ' {
		return Envelope{Body: text}, false
	}
	env := Envelope{Time: text[1 : len(TimeLayout)+1]}
	rest := text[len(TimeLayout)+3:]

	if strings.HasPrefix(rest, privateMarker) {
		inner := rest[len(privateMarker):]
		sender, body, ok := strings.Cut(inner, "] ")
		if !ok {
			return Envelope{Body: text}, false
		}
		env.Kind, env.Sender, env.Body = KindPrivate, sender, body
		return env, true
	}

	sender, body, ok := strings.Cut(rest, ": ")
	if !ok {
		return Envelope{Body: text}, false
	}
	env.Sender, env.Body = sender, body
	env.Kind = KindChat
	if sender == systemSender {
		env.Kind = KindSystem
		env.Sender = ""
	}
	return env, true
}

// Presence reports whether a system notice announces nickname joining (true)
// or leaving (false). ok is false for any other text.
func Presence(env Envelope) (nickname string, joined, ok bool) {
	if env.Kind != KindSystem {
		return "", false, false
	}
	if nick, found := strings.CutSuffix(env.Body, JoinedSuffix); found && nick != "" {
		return nick, true, true
	}
	if nick, found := strings.CutSuffix(env.Body, LeftSuffix); found && nick != "" {
		return nick, false, true
	}
	return "", false, false
}
