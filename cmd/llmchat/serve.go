package main

import (
	"github.com/ZanzyTHEbar/llmchat/llmchat/server"
)

// ServeCmd starts the HTTP server.
// Usage: llmchat serve --addr 127.0.0.1:3000
type ServeCmd struct {
	Addr string `short:"a" long:"addr" description:"listen address, overrides server.addr"`

	opts *Options
}

func (s *ServeCmd) Execute(_ []string) error {
	ctx, stop := signalContext(true)
	defer stop()

	a, err := newApp(s.opts.configPath())
	if err != nil {
		return err
	}
	defer a.close()
	a.watch()

	cfg := a.cfg.Server
	if s.Addr != "" {
		cfg.Addr = s.Addr
	}

	srv, err := server.New(a.orch, a.provider, cfg, a.logger.With().Str("component", "server").Logger())
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}
