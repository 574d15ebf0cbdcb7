package main

import (
	"strconv"

	"github.com/Tyrowin/framechat/internal/chat"
	"github.com/Tyrowin/framechat/internal/command"
	"github.com/Tyrowin/framechat/internal/server"
)

func registerCommands(srv *server.Server) {
	srv.
		Command("ping", command.HandlerFunc(ping)).
		Command("add", command.HandlerFunc(add))
}

// ping replies "pong!" to the sender.
func ping(msg chat.Message, _ command.Args) (chat.ID, string) {
	return msg.From, "pong!"
}

// add replies with the sum of the first two arguments. Arguments that are
// not integers count as zero.
func add(msg chat.Message, args command.Args) (chat.ID, string) {
	if args.Count() < 2 {
		return msg.From, "Not enough arguments!"
	}

	first, _ := args.Get(0)
	second, _ := args.Get(1)
	return msg.From, strconv.FormatInt(parseInt(first)+parseInt(second), 10)
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
