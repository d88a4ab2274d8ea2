// Command collage_cli submits collages to a coordinator and shows the ones
// still in flight. With no arguments it starts an interactive shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"
)

var coordinatorURL = flag.String("coordinator", "http://localhost:8090", "Coordinator HTTP API base URL")

const usage = `Commands:
  submit <name> <file> <participant:resource>...   start a collage built from file
  status                                            list unfinished collages
  help                                              show this text
  exit                                              leave the shell`

var errUsage = errors.New("invalid usage")

func main() {
	flag.Parse()
	client := NewClient(*coordinatorURL)

	if flag.NArg() > 0 {
		if err := processCommand(context.Background(), client, os.Stdout, flag.Args()); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}
	shellLoop(client)
}

func shellLoop(client *Client) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "collage> ",
		HistoryFile:       filepath.Join(os.TempDir(), "collage_cli.history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	defer l.Close()

	fmt.Fprintf(l.Stdout(), "Connected to %s. Type 'help' for commands.\n", *coordinatorURL)
	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			continue
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return
		}
		if err := processCommand(context.Background(), client, l.Stdout(), args); err != nil {
			fmt.Fprintln(l.Stdout(), "Error:", err)
		}
	}
}

// processCommand runs one shell command against the coordinator.
func processCommand(ctx context.Context, client *Client, out io.Writer, args []string) error {
	switch strings.ToLower(args[0]) {
	case "submit":
		if len(args) < 4 {
			return fmt.Errorf("%w: submit <name> <file> <participant:resource>...", errUsage)
		}
		artifact, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("failed to read collage file: %w", err)
		}
		resp, err := client.Submit(ctx, SubmitRequest{Name: args[1], Artifact: artifact, Sources: args[3:]})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Submitted %s (%d bytes, %d sources): %s\n", args[1], len(artifact), len(args)-3, resp.Status)
	case "status":
		active, err := client.Status(ctx)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			fmt.Fprintln(out, "No collages in flight.")
			return nil
		}
		for _, s := range active {
			fmt.Fprintf(out, "%s\tphase=%s\toutcome=%s\tvotes=%s\tacked=%s\n",
				s.Name, s.Phase, s.Outcome, formatVotes(s.Participants, s.Votes), strings.Join(s.Acked, ","))
		}
	case "help":
		fmt.Fprintln(out, usage)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	return nil
}

func formatVotes(participants []string, votes map[string]bool) string {
	names := append([]string(nil), participants...)
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, p := range names {
		v, ok := votes[p]
		switch {
		case !ok:
			parts = append(parts, p+"=?")
		case v:
			parts = append(parts, p+"=yes")
		default:
			parts = append(parts, p+"=no")
		}
	}
	return strings.Join(parts, ",")
}
