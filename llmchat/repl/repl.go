package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/llmchat/llmchat"
	"github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness"
	"github.com/peterh/liner"
)

// Prompter reads one edited line of input. *liner.State satisfies it.
type Prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

const (
	userPrompt      = "you> "
	assistantPrefix = "assistant> "
)

// Run drives the chat loop until /quit, EOF or ctx ends. Ctrl-C while a
// reply is generated cancels that reply only.
func Run(ctx context.Context, c harness.Converser, in Prompter, out io.Writer) error {
	session := NewSession(c)
	fmt.Fprintln(out, "Type /reset to start over, /quit to leave.")

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := in.Prompt(userPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			session.Reset()
			fmt.Fprintln(out, "Conversation reset.")
			continue
		}
		in.AppendHistory(line)

		fmt.Fprintln(out, assistantPrefix+"...")
		reply := awaitReply(ctx, session, line)
		switch {
		case reply.Err == nil:
			fmt.Fprintln(out, assistantPrefix+reply.Display)
		case harness.IsCancellation(reply.Err):
			fmt.Fprintln(out, "(cancelled)")
		default:
			fmt.Fprintf(out, "error: %v\n", reply.Err)
		}
	}
}

func awaitReply(ctx context.Context, session *Session, line string) Reply {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	replies := session.Submit(callCtx, line)
	select {
	case r := <-replies:
		return r
	case <-interrupts:
		cancel()
		return <-replies
	}
}

// RunTerminal runs the loop on the controlling terminal with persistent
// line history.
func RunTerminal(ctx context.Context, c harness.Converser) error {
	state := liner.NewLiner()
	defer state.Close()
	state.SetCtrlCAborts(true)

	historyFile := filepath.Join(internal.DefaultConfigPath, "history")
	if f, err := os.Open(historyFile); err == nil {
		_, _ = state.ReadHistory(f)
		f.Close()
	}

	runErr := Run(ctx, c, state, os.Stdout)

	if err := os.MkdirAll(filepath.Dir(historyFile), 0o755); err == nil {
		if f, err := os.Create(historyFile); err == nil {
			_, _ = state.WriteHistory(f)
			f.Close()
		}
	}
	return runErr
}
