// Package ctl implements the ledger inspection commands behind gatectl.
package ctl

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"sharegate/internal/server/ledger"
	"sharegate/internal/server/quota"
)

// ValidationError reports a bad command-line argument.
type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// Format selects how results are printed.
type Format int

const (
	FormatTable Format = iota
	FormatJSON
)

// ParseFormat maps a --output value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, &ValidationError{Arg: s, Cause: "output must be table or json"}
	}
}

// ParseIdentity validates the identity argument of the usage command.
func ParseIdentity(args []string) (string, error) {
	if len(args) != 1 {
		return "", &ValidationError{Arg: "<identity>", Cause: "exactly one identity required"}
	}
	id := strings.TrimSpace(args[0])
	if id == "" {
		return "", &ValidationError{Arg: args[0], Cause: "identity must not be empty"}
	}
	return id, nil
}

// Inspector prints ledger contents.
type Inspector struct {
	ledger *ledger.Store
	out    io.Writer
	format Format
}

// NewInspector creates an Inspector that prints l to out in format.
func NewInspector(l *ledger.Store, out io.Writer, format Format) *Inspector {
	return &Inspector{ledger: l, out: out, format: format}
}

type objectRow struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// List prints every live record ordered by key.
func (in *Inspector) List() error {
	return in.objects(in.ledger.All())
}

// Expired prints the records due for removal at now.
func (in *Inspector) Expired(now time.Time) error {
	return in.objects(in.ledger.Expired(now))
}

// Usage prints one identity's aggregate against ceiling.
func (in *Inspector) Usage(identity string, ceiling int64) error {
	u := in.ledger.Usage(identity)
	if in.format == FormatJSON {
		return in.writeJSON(struct {
			Identity     string `json:"identity"`
			TotalBytes   int64  `json:"total_bytes"`
			ObjectCount  int    `json:"object_count"`
			CeilingBytes int64  `json:"ceiling_bytes"`
		}{identity, u.TotalBytes, u.ObjectCount, ceiling})
	}

	tw := tabwriter.NewWriter(in.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "IDENTITY\t%s\n", identity)
	fmt.Fprintf(tw, "OBJECTS\t%d\n", u.ObjectCount)
	fmt.Fprintf(tw, "USED\t%s (%d bytes)\n", quota.HumanizeBytes(u.TotalBytes), u.TotalBytes)
	fmt.Fprintf(tw, "CEILING\t%s\n", quota.HumanizeBytes(ceiling))
	return tw.Flush()
}

func (in *Inspector) objects(recs []ledger.ObjectRecord) error {
	rows := make([]objectRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, objectRow{r.Key, r.Owner, r.SizeBytes, r.CreatedAt, r.ExpiresAt})
	}

	if in.format == FormatJSON {
		return in.writeJSON(rows)
	}

	tw := tabwriter.NewWriter(in.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tOWNER\tSIZE\tCREATED\tEXPIRES")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Key, r.Owner, quota.HumanizeBytes(r.SizeBytes),
			r.CreatedAt.UTC().Format(time.RFC3339), r.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (in *Inspector) writeJSON(v any) error {
	enc := json.NewEncoder(in.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
