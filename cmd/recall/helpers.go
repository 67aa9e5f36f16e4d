package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/jmylchreest/recall/pkg/memory"
)

// formatError renders err for the terminal. Classified errors show their
// code; anything else (flags, config) is printed as is.
func formatError(err error) string {
	var e *memory.Error
	if errors.As(err, &e) {
		return fmt.Sprintf("error: %s [%s]", memory.Public(err), e.Code)
	}
	return "error: " + err.Error()
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderTable writes rows under header.
func renderTable(w io.Writer, header []string, rows [][]string) error {
	cols := make([]any, len(header))
	for i, h := range header {
		cols[i] = h
	}
	table := tablewriter.NewWriter(w)
	table.Header(cols...)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

// truncate shortens a string to n characters with ellipsis.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n < 4 || len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

// parseMetadata validates a JSON object given on the command line.
func parseMetadata(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, memory.Validation("parse", "metadata", "metadata must be a JSON object")
	}
	return json.RawMessage(raw), nil
}

// readContent joins args, or reads stdin when the only argument is "-".
func readContent(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.Join(args, " "), nil
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
