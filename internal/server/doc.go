// Package server implements the connection-management and message-routing
// engine of the chat server.
//
// A Server accepts TCP connections up to a fixed capacity, wraps each in a
// framed Conn, and starts one supervisor goroutine per connection. The
// supervisor polls its connection without blocking, forwards every decoded
// frame to a central message channel, and reports one terminal status when
// the peer times out, errors, or the server shuts down. The main loop owns
// the connection table: it registers new connections, reaps finished ones,
// and dispatches one message per pass, either broadcasting it to every
// connection or resolving it as a command whose reply goes to the sender only.
//
// The Gateway bridges WebSocket clients into the same engine, and the HTTP
// routes expose health, metrics, and a browser test page.
package server
