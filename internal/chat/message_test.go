package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDString(t *testing.T) {
	assert.Equal(t, "0", ID(0).String())
	assert.Equal(t, "18446744073709551615", ID(^uint64(0)).String())
	assert.Equal(t, "42 -> hi", fmt.Sprintf("%s -> %s", ID(42), "hi"))
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage("hello", 7)

	assert.Equal(t, "hello", msg.Contents)
	assert.Equal(t, ID(7), msg.From)
	assert.Nil(t, msg.To)
	assert.Equal(t, "hello", msg.String())
}
