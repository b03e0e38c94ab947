package cmd

import (
	"fmt"
	"io"
	"time"

	"ams/core"
)

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-15s %s\n", key+":", value)
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ownerName(u *core.User) string {
	if u == nil {
		return ""
	}
	return u.Username
}
