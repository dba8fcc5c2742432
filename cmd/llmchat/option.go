package main

import "strings"

// Options is the root command that groups sub-commands. The struct tags are
// interpreted by github.com/jessevdk/go-flags.
type Options struct {
	Config string    `short:"f" long:"config" description:"config file path (yaml, json or toml)"`
	Chat   *ChatCmd  `command:"chat" description:"Chat in the terminal, in-process or against a server"`
	Serve  *ServeCmd `command:"serve" description:"Start the HTTP conversation server"`
}

// Init instantiates the sub-command named in args so that flags.Parse can
// populate its fields.
func (o *Options) Init(args []string) {
	switch commandName(args) {
	case "chat":
		o.Chat = &ChatCmd{opts: o}
	case "serve":
		o.Serve = &ServeCmd{opts: o}
	}
}

// commandName returns the first positional argument, skipping global options.
func commandName(args []string) string {
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "-f" || a == "--config":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return a
		}
	}
	return ""
}

func (o *Options) configPath() string {
	if o == nil {
		return ""
	}
	return o.Config
}
