package main

import (
	"net/http"

	"github.com/ZanzyTHEbar/llmchat/llmchat/repl"
	"github.com/ZanzyTHEbar/llmchat/llmchat/server"
)

// ChatCmd runs the terminal chat. Without --remote the model is loaded
// in-process.
type ChatCmd struct {
	Remote string `short:"r" long:"remote" description:"base URL of a running llmchat server"`

	opts *Options
}

func (c *ChatCmd) Execute(_ []string) error {
	// Ctrl-C is handled per reply by the terminal loop.
	ctx, stop := signalContext(false)
	defer stop()

	if c.Remote != "" {
		return repl.RunTerminal(ctx, server.NewClient(c.Remote, http.DefaultClient))
	}

	a, err := newApp(c.opts.configPath())
	if err != nil {
		return err
	}
	defer a.close()
	a.watch()

	return repl.RunTerminal(ctx, a.orch)
}
