// Package main provides a command line client for the run coordinator.
//
// Start an interactive session:
//
//	gogo-cli chat --session s1
//
// Inside a chat, plain lines are sent as user messages and these commands
// are available:
//
//	/stop [reason]            stop the live run
//	/edit <message_id> <text> edit a prior user message and rerun
//	/resume                   replay events missed on this connection
//	/quit                     exit
//
// Fetch a missed tail without chatting:
//
//	gogo-cli resume --session s1 --run run_x --last-seq 3
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/protocol"
)

type connFlags struct {
	addr      string
	apiKey    string
	sessionID string
	raw       bool
}

func (f *connFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "ws://localhost:8090/ws", "WebSocket server address")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key for authentication")
	cmd.Flags().StringVar(&f.sessionID, "session", "", "Session ID (server assigns one when empty)")
	cmd.Flags().BoolVar(&f.raw, "raw", false, "Print every frame as JSON")
}

func (f *connFlags) connect(cmd *cobra.Command) (*Client, error) {
	client, err := Dial(f.addr)
	if err != nil {
		return nil, err
	}
	if err := client.Hello(f.sessionID, f.apiKey); err != nil {
		_ = client.Close()
		return nil, err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session established: %s\n", client.SessionID())
	return client, nil
}

func main() {
	root := &cobra.Command{
		Use:           "gogo-cli",
		Short:         "Command line client for the run coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildChatCmd(), buildResumeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildChatCmd() *cobra.Command {
	var flags connFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, &flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func buildResumeCmd() *cobra.Command {
	var (
		flags   connFlags
		runID   string
		lastSeq int64
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Replay the events of a run after a sequence number",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, &flags, runID, lastSeq, wait)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&runID, "run", "", "Run ID (defaults to the session's latest run)")
	cmd.Flags().Int64Var(&lastSeq, "last-seq", 0, "Last sequence number already seen")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for resume.status")
	return cmd
}

func runChat(cmd *cobra.Command, flags *connFlags) error {
	client, err := flags.connect(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Type a message and press Enter to send. /quit to exit.")

	go func() {
		if err := client.ReadLoop(printer(out, flags.raw)); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "read error:", err)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-interrupt:
			fmt.Fprintln(out, "\nInterrupted")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := dispatch(client, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
			}
			if done {
				return nil
			}
		}
	}
}

func dispatch(client *Client, input string) (bool, error) {
	if input == "" {
		return false, nil
	}
	if !strings.HasPrefix(input, "/") {
		return false, client.SendUserMessage(input)
	}

	verb, rest, _ := strings.Cut(input, " ")
	switch verb {
	case "/quit":
		return true, nil
	case "/stop":
		return false, client.SendStop(strings.TrimSpace(rest))
	case "/edit":
		target, content, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || target == "" || strings.TrimSpace(content) == "" {
			return false, errors.New("usage: /edit <message_id> <text>")
		}
		return false, client.SendEditResend(target, strings.TrimSpace(content))
	case "/resume":
		runID, lastSeq := client.Position()
		return false, client.SendResume(runID, lastSeq)
	default:
		return false, fmt.Errorf("unknown command %s", verb)
	}
}

func runResume(cmd *cobra.Command, flags *connFlags, runID string, lastSeq int64, wait time.Duration) error {
	client, err := flags.connect(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.SendResume(runID, lastSeq); err != nil {
		return err
	}

	show := printer(cmd.OutOrStdout(), flags.raw)
	finished := make(chan struct{})
	var once sync.Once
	go func() {
		_ = client.ReadLoop(func(frame streamFrame, raw []byte) {
			show(frame, raw)
			if frame.Type == protocol.TypeResumeStatus || frame.Type == protocol.TypeError {
				once.Do(func() { close(finished) })
			}
		})
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(wait):
		return errors.New("timed out waiting for resume.status")
	}
}

func printer(out io.Writer, raw bool) func(streamFrame, []byte) {
	return func(frame streamFrame, data []byte) {
		if raw {
			var pretty map[string]any
			if err := json.Unmarshal(data, &pretty); err == nil {
				formatted, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Fprintf(out, "[%s]\n%s\n", frame.Type, formatted)
			}
			return
		}

		switch frame.Type {
		case string(domain.EventTypeMessageDelta):
			fmt.Fprint(out, frame.Delta)
		case string(domain.EventTypeMessageEnd):
			fmt.Fprintf(out, "\n[end run=%s seq=%d]\n", frame.RunID, frame.Seq)
		case string(domain.EventTypeMessageCancelled), string(domain.EventTypeMessageError):
			fmt.Fprintf(out, "\n[%s run=%s seq=%d]\n", frame.Type, frame.RunID, frame.Seq)
		case protocol.TypeUserMessageAck, protocol.TypeControlAck:
			fmt.Fprintf(out, "[%s %s %s]\n", frame.Type, frame.Status, frame.Reason)
		case protocol.TypeResumeStatus:
			fmt.Fprintf(out, "[resume %s %s]\n", frame.Status, frame.Reason)
		case protocol.TypeError:
			fmt.Fprintf(out, "[error %s: %s]\n", frame.Code, frame.Message)
		default:
			fmt.Fprintf(out, "[%s run=%s seq=%d]\n", frame.Type, frame.RunID, frame.Seq)
		}
	}
}
