package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/framechat/internal/chat"
)

func echoFirst(msg chat.Message, args Args) (chat.ID, string) {
	first, ok := args.Get(0)
	if !ok {
		return msg.From, "missing"
	}
	return msg.From, first
}

// TestResolve covers name resolution and argument passing.
func TestResolve(t *testing.T) {
	r := NewRouter('/')
	r.Register("ping", HandlerFunc(func(msg chat.Message, _ Args) (chat.ID, string) {
		return msg.From, "pong!"
	}))
	r.Register("echo", HandlerFunc(echoFirst))

	t.Run("handler reply is addressed by the handler", func(t *testing.T) {
		reply, err := r.Resolve(chat.NewMessage("/ping", 7))
		require.NoError(t, err)
		assert.Equal(t, Reply{To: 7, Text: "pong!"}, reply)
	})

	t.Run("arguments follow the name", func(t *testing.T) {
		reply, err := r.Resolve(chat.NewMessage("/echo  hello   world", 3))
		require.NoError(t, err)
		assert.Equal(t, "hello", reply.Text)
	})

	t.Run("missing argument is not a crash", func(t *testing.T) {
		reply, err := r.Resolve(chat.NewMessage("/echo", 3))
		require.NoError(t, err)
		assert.Equal(t, "missing", reply.Text)
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := r.Resolve(chat.NewMessage("/nope 1 2", 3))
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("names are case sensitive", func(t *testing.T) {
		_, err := r.Resolve(chat.NewMessage("/PING", 3))
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("prefix followed by space", func(t *testing.T) {
		_, err := r.Resolve(chat.NewMessage("/ ping", 3))
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})
}

// TestName verifies extraction of the command name.
func TestName(t *testing.T) {
	tests := []struct {
		contents string
		prefix   rune
		want     string
	}{
		{"/ping", '/', "ping"},
		{"/add 1 2", '/', "add"},
		{"/add\t1", '/', "add"},
		{"/", '/', ""},
		{"ping", '/', ""},
		{"", '/', ""},
		{"!roll d20", '!', "roll"},
		{"→go north", '→', "go"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Name(tt.contents, tt.prefix), "Name(%q, %q)", tt.contents, tt.prefix)
	}
}

// TestIsCommand verifies prefix detection, including multibyte prefixes.
func TestIsCommand(t *testing.T) {
	r := NewRouter('→')
	assert.True(t, r.IsCommand("→go"))
	assert.False(t, r.IsCommand("go→"))
	assert.False(t, r.IsCommand(""))
	assert.Equal(t, '→', r.Prefix())
}

// TestArgs verifies the bounded argument list.
func TestArgs(t *testing.T) {
	args := ParseArgs("/add 2 40")
	assert.Equal(t, 2, args.Count())

	first, ok := args.Get(0)
	assert.True(t, ok)
	assert.Equal(t, "2", first)

	_, ok = args.Get(2)
	assert.False(t, ok)
	_, ok = args.Get(-1)
	assert.False(t, ok)

	assert.Equal(t, 0, ParseArgs("/ping").Count())
	assert.Equal(t, 0, ParseArgs("").Count())
	assert.Equal(t, 3, NewArgs("a", "b", "c").Count())
}

// TestRegisterPanics verifies that invalid registrations fail loudly.
func TestRegisterPanics(t *testing.T) {
	h := HandlerFunc(echoFirst)

	r := NewRouter('/')
	r.Register("echo", h)
	assert.Equal(t, 1, r.Len())

	assert.Panics(t, func() { r.Register("echo", h) })
	assert.Panics(t, func() { r.Register("", h) })
	assert.Panics(t, func() { r.Register("nil", nil) })
}
