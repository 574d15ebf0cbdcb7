// Package chat defines the data model shared by the wire, command, and
// server layers: connection identifiers and the messages routed between them.
package chat

import "strconv"

// ID identifies a connection for as long as it stays registered with the
// server. IDs are drawn at random and may be reused once a connection has
// been reaped.
type ID uint64

// String returns the decimal form used in broadcast labels.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Message is one decoded frame from a connection. It is created by the
// connection's supervisor and consumed exactly once by the dispatch loop.
type Message struct {
	Contents string
	From     ID
	// To is reserved for directed messaging; dispatch does not read it yet.
	To *ID
}

// NewMessage creates an undirected message from the given sender.
func NewMessage(contents string, from ID) Message {
	return Message{Contents: contents, From: from}
}

// String returns the message contents.
func (m Message) String() string {
	return m.Contents
}
