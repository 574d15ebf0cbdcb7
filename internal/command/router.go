// Package command resolves prefixed chat messages to registered handlers.
//
// A command message starts with the router's prefix character. The text up
// to the first whitespace names the command and the remaining
// whitespace-separated tokens are its arguments:
//
//	/add 2 40
//
// Handlers are registered while the server is being built and the registry
// is read-only afterwards.
package command

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Tyrowin/framechat/internal/chat"
)

// ErrUnknownCommand is returned by Resolve when no handler is registered
// under the requested name.
var ErrUnknownCommand = errors.New("command: unknown command")

// Handler executes one command. It receives the originating message and the
// parsed arguments and returns the recipient and text of the reply.
type Handler interface {
	Execute(msg chat.Message, args Args) (to chat.ID, reply string)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(msg chat.Message, args Args) (chat.ID, string)

// Execute calls f(msg, args).
func (f HandlerFunc) Execute(msg chat.Message, args Args) (chat.ID, string) {
	return f(msg, args)
}

// Reply is the result of a resolved command.
type Reply struct {
	To   chat.ID
	Text string
}

// Router maps command names to handlers.
type Router struct {
	prefix   rune
	commands map[string]Handler
}

// NewRouter creates an empty router for commands starting with prefix.
func NewRouter(prefix rune) *Router {
	return &Router{
		prefix:   prefix,
		commands: make(map[string]Handler),
	}
}

// Prefix returns the character that marks a message as a command.
func (r *Router) Prefix() rune {
	return r.prefix
}

// Register adds h under name. Registering an empty name, a nil handler, or
// a name twice panics, mirroring http.ServeMux.
func (r *Router) Register(name string, h Handler) {
	if name == "" {
		panic("command: empty command name")
	}
	if h == nil {
		panic("command: nil handler for " + name)
	}
	if _, exists := r.commands[name]; exists {
		panic("command: multiple registrations for " + name)
	}
	r.commands[name] = h
}

// Len returns the number of registered commands.
func (r *Router) Len() int {
	return len(r.commands)
}

// IsCommand reports whether contents starts with the router's prefix.
func (r *Router) IsCommand(contents string) bool {
	first, size := utf8.DecodeRuneInString(contents)
	return size > 0 && first == r.prefix
}

// Resolve runs the handler named by msg and wraps its result in a Reply.
func (r *Router) Resolve(msg chat.Message) (Reply, error) {
	name := Name(msg.Contents, r.prefix)

	h, ok := r.commands[name]
	if !ok {
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	to, text := h.Execute(msg, ParseArgs(msg.Contents))
	return Reply{To: to, Text: text}, nil
}

// Name returns the command name in contents: the text between the leading
// prefix and the first whitespace. It returns "" if contents does not start
// with prefix.
func Name(contents string, prefix rune) string {
	first, size := utf8.DecodeRuneInString(contents)
	if size == 0 || first != prefix {
		return ""
	}

	rest := contents[size:]
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		return rest[:i]
	}
	return rest
}
