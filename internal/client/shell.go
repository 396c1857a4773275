package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/historio/historian/internal/storage/query"
	"github.com/historio/historian/internal/storage/types"
)

// Shell is the interactive histql session.
type Shell struct {
	client *Client
	out    io.Writer
	done   bool
}

// NewShell creates a shell over the given client, writing output to out.
func NewShell(c *Client, out io.Writer) *Shell {
	return &Shell{client: c, out: out}
}

// Run starts the shell. With a terminal on stdin it runs the interactive
// prompt with completion; otherwise it reads commands line by line, which
// keeps piped scripts working.
func (s *Shell) Run() error {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(s.out, "histql - historian query shell (type 'help' for commands)")
		p := prompt.New(
			s.Execute,
			s.complete,
			prompt.OptionTitle("histql"),
			prompt.OptionPrefix("histql> "),
			prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
				return s.done
			}),
		)
		p.Run()
		return nil
	}
	return s.runPiped()
}

func (s *Shell) runPiped() error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		s.Execute(scanner.Text())
		if s.done {
			break
		}
	}
	return scanner.Err()
}

var commands = []prompt.Suggest{
	{Text: "query", Description: "query <group> <tag[,tag...]> <from_ms> <to_ms> [agg <width_ms> <reducer>]"},
	{Text: "export", Description: "export <group> <tag[,tag...]> <from_ms> <to_ms> [file]"},
	{Text: "rotate", Description: "rotate <group>"},
	{Text: "stats", Description: "show server counters"},
	{Text: "health", Description: "check server liveness"},
	{Text: "help", Description: "show command help"},
	{Text: "exit", Description: "leave the shell"},
}

var reducers = []prompt.Suggest{
	{Text: "avg"}, {Text: "min"}, {Text: "max"}, {Text: "count"},
	{Text: "p50"}, {Text: "p90"}, {Text: "p95"}, {Text: "p99"},
}

func (s *Shell) complete(d prompt.Document) []prompt.Suggest {
	fields := strings.Fields(d.TextBeforeCursor())
	word := d.GetWordBeforeCursor()

	// Completing the first word.
	if len(fields) == 0 || (len(fields) == 1 && word != "") {
		return prompt.FilterHasPrefix(commands, word, true)
	}
	if fields[0] != "query" {
		return nil
	}

	// The reducer slot comes right after "agg <width_ms>".
	n := len(fields)
	if word != "" {
		n--
	}
	if n >= 2 && fields[n-2] == "agg" {
		return prompt.FilterHasPrefix(reducers, word, true)
	}
	return nil
}

// Execute runs a single command line.
func (s *Shell) Execute(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	args := strings.Fields(line)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var err error
	switch args[0] {
	case "query":
		err = s.cmdQuery(ctx, args[1:])
	case "export":
		err = s.cmdExport(ctx, args[1:])
	case "rotate":
		err = s.cmdRotate(ctx, args[1:])
	case "stats":
		err = s.cmdStats(ctx)
	case "health":
		err = s.client.Health(ctx)
		if err == nil {
			fmt.Fprintln(s.out, "ok")
		}
	case "help":
		s.printHelp()
	case "exit", "quit":
		s.done = true
	default:
		err = fmt.Errorf("unknown command %q (try 'help')", args[0])
	}
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

func (s *Shell) printHelp() {
	for _, c := range commands {
		fmt.Fprintf(s.out, "  %-8s %s\n", c.Text, c.Description)
	}
}

func (s *Shell) cmdQuery(ctx context.Context, args []string) error {
	req, err := parseQueryArgs(args)
	if err != nil {
		return err
	}

	res, err := s.client.Query(ctx, req)
	if err != nil {
		return err
	}
	s.printResult(res)
	return nil
}

// parseQueryArgs parses: <group> <tag[,tag...]> <from_ms> <to_ms>
// [agg <width_ms> <reducer>]
func parseQueryArgs(args []string) (query.Request, error) {
	var req query.Request
	if len(args) < 4 {
		return req, fmt.Errorf("usage: query <group> <tag[,tag...]> <from_ms> <to_ms> [agg <width_ms> <reducer>]")
	}

	req.GroupID = args[0]
	req.TagIDs = strings.Split(args[1], ",")

	var err error
	if req.FromMs, err = strconv.ParseInt(args[2], 10, 64); err != nil {
		return req, fmt.Errorf("invalid from_ms %q", args[2])
	}
	if req.ToMs, err = strconv.ParseInt(args[3], 10, 64); err != nil {
		return req, fmt.Errorf("invalid to_ms %q", args[3])
	}

	if len(args) >= 7 && args[4] == "agg" {
		width, err := strconv.ParseInt(args[5], 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid bucket width %q", args[5])
		}
		req.Aggregation = &types.AggregationSpec{
			BucketWidthMs: width,
			Reducer:       types.Reducer(args[6]),
		}
	} else if len(args) > 4 {
		return req, fmt.Errorf("unexpected arguments after to_ms (expected 'agg <width_ms> <reducer>')")
	}
	return req, nil
}

func (s *Shell) printResult(res query.Result) {
	tags := make([]string, 0, len(res.Series))
	for tag := range res.Series {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		series := res.Series[tag]
		fmt.Fprintf(s.out, "%s (%d points)\n", tag, len(series))
		for _, p := range series {
			fmt.Fprintf(s.out, "  %s  %g  %s\n",
				time.UnixMilli(p.TimestampMs).UTC().Format(time.RFC3339Nano),
				p.Value, p.Quality)
		}
	}
	for tag, msg := range res.Errors {
		fmt.Fprintf(s.out, "%s: error: %s\n", tag, msg)
	}
	for _, g := range res.Gaps {
		fmt.Fprintf(s.out, "gap [%d, %d]: %s\n", g.FromMs, g.ToMs, g.Reason)
	}
	for _, f := range res.Faults {
		fmt.Fprintf(s.out, "fault %s: %s\n", f.TagID, f.Detail)
	}
}

func (s *Shell) cmdExport(ctx context.Context, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: export <group> <tag[,tag...]> <from_ms> <to_ms> [file]")
	}

	from, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid from_ms %q", args[2])
	}
	to, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid to_ms %q", args[3])
	}

	out := s.out
	if len(args) >= 5 {
		f, err := os.Create(args[4])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return s.client.Export(ctx, out, args[0], strings.Split(args[1], ","), from, to)
}

func (s *Shell) cmdRotate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rotate <group>")
	}
	res, err := s.client.Rotate(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s: %s", args[0], res.Message)
	if res.Sealed {
		fmt.Fprintf(s.out, " (%d rows, %s)", res.Rows, res.Path)
	}
	fmt.Fprintln(s.out)
	return nil
}

func (s *Shell) cmdStats(ctx context.Context) error {
	stats, err := s.client.Stats(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(data))
	return nil
}
