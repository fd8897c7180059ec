package logger

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.trai.ch/zerr"
)

// ErrorEntry is one link of an error chain.
type ErrorEntry struct {
	Message string
	// Metadata is nil for plain errors, which end the walk.
	Metadata map[string]any
}

// collectErrorEntries walks err from the outermost link inward. zerr links
// contribute their own message and metadata; the first plain error contributes
// its full text and ends the walk.
func collectErrorEntries(err error) []ErrorEntry {
	var entries []ErrorEntry
	for current := err; current != nil; {
		z, ok := current.(*zerr.Error)
		if !ok {
			entries = append(entries, ErrorEntry{Message: current.Error()})
			break
		}
		entries = append(entries, ErrorEntry{Message: z.Message(), Metadata: z.Metadata()})
		current = errors.Unwrap(current)
	}
	return mergeEmpty(entries)
}

// mergeEmpty folds links without a message, as left by zerr.With on a plain
// error, into the link they wrap.
func mergeEmpty(entries []ErrorEntry) []ErrorEntry {
	out := entries[:0]
	var carry map[string]any
	for _, e := range entries {
		if e.Message == "" && e.Metadata != nil {
			if carry == nil {
				carry = make(map[string]any)
			}
			maps.Copy(carry, e.Metadata)
			continue
		}
		if carry != nil {
			if e.Metadata == nil {
				e.Metadata = carry
			} else {
				maps.Copy(e.Metadata, carry)
			}
			carry = nil
		}
		out = append(out, e)
	}
	return out
}

// formatErrorEntries renders entries as an "Error:" headline followed by an
// indented "Caused by:" list. Metadata follows its message, sorted by key.
func formatErrorEntries(entries []ErrorEntry) string {
	var lines []string
	for i, e := range entries {
		msgLines := strings.Split(e.Message, "\n")
		indent := "       "
		if i == 0 {
			lines = append(lines, "Error: "+msgLines[0])
		} else {
			if i == 1 {
				lines = append(lines, "", "  Caused by:")
			}
			lines = append(lines, "    → "+msgLines[0])
			indent = "      "
		}
		for _, l := range msgLines[1:] {
			lines = append(lines, indent+l)
		}
		for _, k := range slices.Sorted(maps.Keys(e.Metadata)) {
			lines = append(lines, fmt.Sprintf("%s%s: %v", indent, k, e.Metadata[k]))
		}
	}
	return strings.Join(lines, "\n")
}

// flattenMetadata merges metadata of every link, outer links winning.
func flattenMetadata(entries []ErrorEntry) []any {
	merged := make(map[string]any)
	for i := len(entries) - 1; i >= 0; i-- {
		maps.Copy(merged, entries[i].Metadata)
	}
	args := make([]any, 0, 2*len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		args = append(args, k, fmt.Sprint(merged[k]))
	}
	return args
}
