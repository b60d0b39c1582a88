// Package model defines domain entities shared by the session, realtime and contacts layers.
package model

import "time"

// Credentials is the access/refresh token pair held for one logged-in identity.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether no usable pair is held.
func (c Credentials) Empty() bool { return c.AccessToken == "" || c.RefreshToken == "" }

// Message is a single chat message as broadcast on a room topic and returned by history.
type Message struct {
	RoomID   int64  `json:"roomId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
	TS       int64  `json:"ts"` // epoch millis
}

// MessageKey is the composite identity used to deduplicate messages; there is no message id.
type MessageKey struct {
	TS       int64
	SenderID string
	Content  string
}

// Key returns the composite identity of m.
func (m Message) Key() MessageKey {
	return MessageKey{TS: m.TS, SenderID: m.SenderID, Content: m.Content}
}

// Time converts TS to a time.Time.
func (m Message) Time() time.Time { return time.UnixMilli(m.TS) }

// ContactStatus is the state of a relationship with one counterparty.
type ContactStatus string

const (
	StatusPending  ContactStatus = "PENDING"
	StatusAccepted ContactStatus = "ACCEPTED"
	StatusBlocked  ContactStatus = "BLOCKED" // reserved for moderation, never entered by the client
)

// Contact is one counterparty entry of the local user's relationship list.
type Contact struct {
	ID       int64         `json:"id"`
	Username string        `json:"username"`
	Status   ContactStatus `json:"status"`
}

// ConnState is the realtime connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}
