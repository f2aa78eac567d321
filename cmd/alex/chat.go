package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smebi/alex/internal/client"
	"github.com/smebi/alex/internal/events"
	"github.com/smebi/alex/internal/exchange"
	"github.com/smebi/alex/internal/protocol"
	"github.com/smebi/alex/internal/store"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the agent",
		Long: `Opens the ambient thought stream and an interactive prompt.

Commands inside the prompt:
  /stop       abort the in-flight request
  /new        start a fresh conversation
  /sessions   list archived conversations
  /switch ID  load an archived conversation
  /quit       exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat()
		},
	}
}

func runChat() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	kv, err := store.NewSQLite(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer kv.Close()

	c := client.New(cfg, kv, client.WithLogger(newLogger()))
	defer c.Close()

	cancel := c.Start()
	defer cancel()

	return runREPL(c, os.Stdin, os.Stdout)
}

type exchangeResult struct {
	resp *exchange.Response
	err  error
}

// runREPL drives the interactive prompt. Input is read on its own
// goroutine so lines keep arriving while an exchange is pending; that is
// what lets /stop abort a request instead of queueing behind it.
func runREPL(c *client.Client, in io.Reader, out io.Writer) error {
	// Live thoughts print as they stream in.
	sub := events.Subscribe(c.Subject, events.TopicTelemetry,
		func(_ context.Context, ev protocol.Event) error {
			fmt.Fprintf(out, "  · [%s] %s\n", ev.Kind, ev.Text)
			return nil
		})
	defer sub.Unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintf(out, "session %s — type a question, /quit to exit\n", c.Conversations.SessionID())

	for {
		fmt.Fprint(out, "> ")
		raw, ok := <-lines
		if !ok {
			return nil
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := handleCommand(c, out, line)
			if err != nil {
				fmt.Fprintln(out, err)
			}
			if quit {
				return nil
			}
			continue
		}

		p, err := c.Dispatch(context.Background(), line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}

		done := make(chan exchangeResult, 1)
		go func() {
			resp, err := c.Await(context.Background(), p)
			done <- exchangeResult{resp, err}
		}()

		if quit := awaitExchange(c, out, lines, done); quit {
			return nil
		}
	}
}

// awaitExchange blocks on the pending exchange while still consuming
// input, so /stop can fire mid-request. Reports whether the REPL should
// exit.
func awaitExchange(c *client.Client, out io.Writer, lines <-chan string, done <-chan exchangeResult) bool {
	for {
		select {
		case res := <-done:
			printResult(out, res)
			return false

		case raw, ok := <-lines:
			if !ok {
				// Stdin closed underneath a pending request: abandon
				// it and wait out the resolution.
				c.Abort()
				<-done
				return true
			}
			switch strings.TrimSpace(raw) {
			case "":
			case "/stop":
				c.Abort()
			default:
				fmt.Fprintln(out, "request in flight — /stop to abort")
			}
		}
	}
}

func printResult(out io.Writer, res exchangeResult) {
	switch {
	case errors.Is(res.err, exchange.ErrAborted):
		fmt.Fprintln(out, "(stopped)")
	case res.err != nil:
		fmt.Fprintf(out, "error: %v\n", res.err)
	default:
		fmt.Fprintln(out, res.resp.Reply)
		for _, chart := range res.resp.Charts {
			fmt.Fprintf(out, "  [chart] %s (%s)\n", chart.Title, chart.Type)
		}
	}
}

func handleCommand(c *client.Client, out io.Writer, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/stop":
		// No exchange is pending when we get here; harmless.
		c.Abort()
		return false, nil
	case "/new":
		if err := c.Conversations.StartNew(); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "session %s\n", c.Conversations.SessionID())
		return false, nil
	case "/sessions":
		return false, printSessions(c, out)
	case "/switch":
		if len(fields) < 2 {
			return false, errors.New("usage: /switch SESSION_ID")
		}
		if err := c.Conversations.SwitchTo(fields[1]); err != nil {
			return false, err
		}
		for _, m := range c.Conversations.Messages() {
			fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func printSessions(c *client.Client, out io.Writer) error {
	records, err := c.Conversations.History()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no archived conversations")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s  %s  (%d messages, %s)\n",
			rec.SessionID, rec.Title, len(rec.Messages),
			rec.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
