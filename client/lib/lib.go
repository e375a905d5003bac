package lib

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ddworken/lookupguard/internal/orchestrator"
	"github.com/ddworken/lookupguard/internal/providers"
	"github.com/ddworken/lookupguard/shared"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/rodaine/table"
	"github.com/samber/lo"
	"golang.org/x/term"
)

var (
	Version   string = "Unknown"
	GitCommit string = "Unknown"
)

const (
	defaultTerminalWidth = 120
	minColumnWidth       = 12
	timestampFormat      = "Jan 2 2006 15:04:05 MST"
)

func CheckFatalError(err error) {
	if err != nil {
		_, filename, line, _ := runtime.Caller(1)
		log.Fatalf("lookupguard v0.%s fatal error at %s:%d: %v", Version, filename, line, err)
	}
}

// TerminalWidth is the width of stdout, or a default when stdout is not a terminal.
func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return defaultTerminalWidth
	}
	return width
}

func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Truncate shortens s to at most width display cells.
func Truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// ParseSince accepts an absolute date in any common layout, or a relative one like "3d" or "12h".
func ParseSince(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, nil
	}
	if strings.HasSuffix(input, "d") {
		var days int
		if _, err := fmt.Sscanf(input, "%dd", &days); err == nil && days >= 0 {
			return now.AddDate(0, 0, -days), nil
		}
	}
	if d, err := time.ParseDuration(input); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	t, err := dateparse.ParseLocal(strings.ReplaceAll(input, "_", " "))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %#v as a date: %w", input, err)
	}
	return t, nil
}

func newTable(w io.Writer, headers ...any) table.Table {
	headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
	tbl := table.New(headers...)
	tbl.WithHeaderFormatter(headerFmt)
	tbl.WithWriter(w)
	return tbl
}

// phoneColumns is the sorted union of the keys of every record.
func phoneColumns(result *providers.PhoneResult) []string {
	keys := lo.Uniq(lo.FlatMap(result.Result, func(record map[string]any, _ int) []string {
		return lo.Keys(record)
	}))
	sort.Strings(keys)
	return keys
}

func formatField(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func DisplayPhoneResult(w io.Writer, result *providers.PhoneResult, width int) {
	if result == nil || len(result.Result) == 0 {
		fmt.Fprintln(w, "No records found")
		return
	}
	columns := phoneColumns(result)
	colWidth := max(minColumnWidth, width/max(1, len(columns)))
	tbl := newTable(w, lo.ToAnySlice(columns)...)
	for _, record := range result.Result {
		row := lo.Map(columns, func(c string, _ int) any {
			return Truncate(formatField(record[c]), colWidth)
		})
		tbl.AddRow(row...)
	}
	tbl.Print()
}

func DisplayVehicleResult(w io.Writer, result *providers.VehicleResult, width int) {
	if result == nil || len(result.Details) == 0 {
		fmt.Fprintln(w, "No vehicle details returned")
		return
	}
	keys := lo.Keys(result.Details)
	sort.Strings(keys)
	tbl := newTable(w, "Field", "Value")
	for _, k := range keys {
		tbl.AddRow(k, Truncate(formatField(result.Details[k]), max(minColumnWidth, width-30)))
	}
	tbl.Print()
}

// DisplaySearchResult prints the provider answer followed by any linked lookup.
func DisplaySearchResult(w io.Writer, res *orchestrator.Result, width int) {
	switch res.Kind {
	case shared.QueryKindPhone:
		DisplayPhoneResult(w, res.Phone, width)
	case shared.QueryKindVehicle:
		DisplayVehicleResult(w, res.Vehicle, width)
	}
	if res.Linked != nil {
		fmt.Fprintf(w, "\nLinked number %s:\n", res.Linked.Number)
		DisplayPhoneResult(w, res.Linked.Phone, width)
	}
	fmt.Fprintf(w, "\nSearches remaining today: %d\n", res.Remaining)
}

func DisplayHistory(w io.Writer, entries []*shared.HistoryEntry, showAddress bool, width int) {
	headers := []any{"Timestamp", "Username", "Kind", "Query"}
	if showAddress {
		headers = []any{"Id", "Timestamp", "Address", "Username", "Kind", "Query"}
	}
	tbl := newTable(w, headers...)
	for _, e := range entries {
		query := Truncate(e.QueryValue, max(minColumnWidth, width/3))
		timestamp := e.Timestamp.Local().Format(timestampFormat)
		if showAddress {
			tbl.AddRow(e.Id, timestamp, e.Address, e.Username, e.QueryKind, query)
		} else {
			tbl.AddRow(timestamp, e.Username, e.QueryKind, query)
		}
	}
	tbl.Print()
}

func DisplayUsers(w io.Writer, users []*shared.UserSummary) {
	tbl := newTable(w, "Address", "Country", "Username", "Limit", "Count", "Last Reset", "Remaining")
	for _, u := range users {
		tbl.AddRow(u.Address, u.Country, u.Username, u.DailyLimit, u.SearchCount, u.LastResetDate, u.Remaining)
	}
	tbl.Print()
}

func DisplayBlacklist(w io.Writer, entries []*shared.BlacklistEntry, width int) {
	tbl := newTable(w, "Id", "Kind", "Value", "Reason", "Added")
	for _, e := range entries {
		tbl.AddRow(e.Id, e.Kind, e.Value, Truncate(e.Reason, max(minColumnWidth, width/4)), e.CreatedAt.Local().Format(timestampFormat))
	}
	tbl.Print()
}
