package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"golang.org/x/term"

	apiclient "github.com/splax/voicetodo/pkg/api/client"
)

const (
	defaultWidth  = 100
	minTitleWidth = 16
)

// terminalWidth reports the column count of w, or zero when w is not a terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderTasks prints an aligned table on terminals and tab-separated rows otherwise.
func renderTasks(w io.Writer, tasks []apiclient.Task, loc *time.Location) error {
	width := terminalWidth(w)
	if width == 0 {
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, statusMark(t), t.Priority, formatDue(t.DueAt, loc), t.Title)
		}
		return nil
	}
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks.")
		return err
	}
	// id(8) + status(4) + priority(6) + due(16) + padding
	titleWidth := width - 44
	if titleWidth < minTitleWidth {
		titleWidth = minTitleWidth
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDONE\tPRIO\tDUE\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(t.ID), statusMark(t), t.Priority, formatDue(t.DueAt, loc), truncate(t.Title, titleWidth))
	}
	return tw.Flush()
}

func renderTask(w io.Writer, t apiclient.Task, loc *time.Location) {
	fmt.Fprintf(w, "%s %s (%s)", statusMark(t), t.Title, t.Priority)
	if t.DueAt != nil {
		fmt.Fprintf(w, " due %s", formatDue(t.DueAt, loc))
	}
	fmt.Fprintf(w, "\n  id %s\n", t.ID)
}

func renderStatus(w io.Writer, s apiclient.SessionStatus, loc *time.Location) {
	if !s.HasAgent {
		fmt.Fprintf(w, "room %s: no agent\n", s.Room)
		return
	}
	fmt.Fprintf(w, "room %s: agent %s\n", s.Room, s.DispatchID)
	if s.ParticipantCount != nil {
		fmt.Fprintf(w, "  participants %d\n", *s.ParticipantCount)
	}
	if s.LastActivityAt != nil {
		fmt.Fprintf(w, "  last activity %s\n", s.LastActivityAt.In(loc).Format(time.DateTime))
	}
	if s.TTLExpiresAt != nil {
		fmt.Fprintf(w, "  expires %s\n", s.TTLExpiresAt.In(loc).Format(time.DateTime))
	}
}

func statusMark(t apiclient.Task) string {
	if t.Completed {
		return "[x]"
	}
	return "[ ]"
}

func formatDue(due *time.Time, loc *time.Location) string {
	if due == nil {
		return "-"
	}
	local := due.In(loc)
	if local.Hour() == 23 && local.Minute() == 59 {
		return local.Format("Mon 2006-01-02")
	}
	return local.Format("2006-01-02 15:04")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
