package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/afkbot/afkbot/internal/afkctl"
)

const timeFormat = "2006-01-02 15:04:05"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("afkctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }
	statusURL := fs.String("status-url", "http://localhost:8081", "afkbot status server URL")
	token := fs.String("token", "", "Bearer token (or set AFKCTL_TOKEN env var)")
	format := fs.String("format", "table", "Output format: table or json")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *token == "" {
		*token = os.Getenv("AFKCTL_TOKEN")
	}
	if *format != "table" && *format != "json" {
		fmt.Fprintf(stderr, "Error: unknown format %q\n", *format)
		return 1
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 1
	}

	client := afkctl.NewHTTPClient(*statusURL, *token)
	out := &printer{w: stdout, json: *format == "json"}

	switch rest[0] {
	case "status":
		st, err := afkctl.GetStatus(client)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		out.status(st)

	case "history":
		limit := 20
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				fmt.Fprintf(stderr, "Error: history limit must be a positive integer, got %q\n", rest[1])
				return 1
			}
			limit = n
		}
		records, err := afkctl.GetHistory(client, limit)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		out.history(records)

	case "ready":
		result, err := afkctl.GetReadiness(client)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		out.readiness(result)
		if !result.Ready() {
			return 2
		}

	case "help":
		printUsage(stdout)

	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", rest[0])
		return 1
	}
	return 0
}

type printer struct {
	w    io.Writer
	json bool
}

func (p *printer) printJSON(data interface{}) {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func (p *printer) status(st *afkctl.StatusJSON) {
	if p.json {
		p.printJSON(st)
		return
	}
	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "STATE\t%s\n", st.State)
	fmt.Fprintf(w, "SINCE\t%s\n", formatTime(st.Since))
	fmt.Fprintf(w, "SERVER\t%s:%d\n", st.Endpoint.Host, st.Endpoint.Port)
	fmt.Fprintf(w, "USERNAME\t%s\n", st.Username)
	fmt.Fprintf(w, "ATTEMPTS\t%d\n", st.Attempts)
	fmt.Fprintf(w, "CONSECUTIVE_FAILURES\t%d\n", st.ConsecutiveFailures)
	if st.State == "connected" {
		fmt.Fprintf(w, "UPTIME\t%s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	}
	if st.State == "awaiting_retry" {
		fmt.Fprintf(w, "RETRY_AT\t%s\n", formatTime(st.RetryAt))
	}
	fmt.Fprintf(w, "LAST_DISCONNECT\t%s\n", dash(st.LastDisconnectReason))
	w.Flush()
}

func (p *printer) history(records []afkctl.RecordJSON) {
	if p.json {
		p.printJSON(records)
		return
	}
	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OCCURRED_AT\tEVENT\tFROM\tTO\tRETRY_IN\tREASON")
	for _, r := range records {
		retry := "-"
		if r.RetryDelay > 0 {
			retry = r.RetryDelay.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(r.OccurredAt), r.EventType, r.FromState, r.ToState, retry, dash(r.Reason))
	}
	w.Flush()
}

func (p *printer) readiness(r *afkctl.ReadinessJSON) {
	if p.json {
		p.printJSON(r)
		return
	}
	names := make([]string, 0, len(r.Components))
	for name := range r.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "OVERALL\t%s\t\n", r.Status)
	for _, name := range names {
		c := r.Components[name]
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, c.Status, c.Error)
	}
	w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeFormat)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `afkctl - afkbot status CLI

Usage:
  afkctl [global-flags] <command> [args]

Global Flags:
  -status-url string
        afkbot status server URL (default "http://localhost:8081")
  -token string
        Bearer token (or set AFKCTL_TOKEN env var)
  -format string
        Output format: table or json (default "table")

Commands:
  status                           Show the connection status
  history [limit]                  Show recent connection events (default 20)
  ready                            Show readiness; exits 2 when not joined
  help                             Show this help
`)
}
