package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// FetchRow is one transfer in the fetch table.
type FetchRow struct {
	Name   string
	Status string
	Stats  Stats
}

// FetchView is what the renderer draws on each tick.
type FetchView struct {
	Header string
	Rows   []FetchRow
}

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// IsTTY reports whether w is a terminal. Writers that wrap a file can expose
// it with a File method.
func IsTTY(w io.Writer) bool {
	var f *os.File
	switch v := w.(type) {
	case *os.File:
		f = v
	case interface{ File() *os.File }:
		f = v.File()
	}
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// RenderFetch redraws view on w until ctx ends or the returned stop func is
// called. Terminals get a table redrawn in place; anything else gets one line
// per transfer every second. stop renders a final frame.
func RenderFetch(ctx context.Context, w io.Writer, view func() FetchView) func() {
	isTTY := IsTTY(w)
	interval := 250 * time.Millisecond
	if !isTTY {
		interval = time.Second
	} else {
		fmt.Fprint(w, "\033[?25l")
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	lastLines := 0
	var renderMu sync.Mutex

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		v := view()
		if isTTY {
			if lastLines > 0 {
				fmt.Fprintf(w, "\033[%dA", lastLines)
				fmt.Fprint(w, "\033[J")
			}
			lastLines = renderFetchTable(w, v, true)
			return
		}
		writeHeader(w, v.Header, false)
		for _, row := range v.Rows {
			fmt.Fprintln(w, formatFetchLine(row))
		}
	}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			renderOnce()
			if isTTY {
				fmt.Fprint(w, "\033[?25h")
			}
		})
	}
}

func renderFetchTable(w io.Writer, v FetchView, isTTY bool) int {
	lines := writeHeader(w, v.Header, isTTY)
	headers := []string{"url", "status", "progress", "%", "rate", "ETA"}
	widths := []int{40, 10, 22, 5, 10, 9}
	rows := make([][]string, 0, len(v.Rows))
	for _, row := range v.Rows {
		rows = append(rows, []string{
			truncateLeft(row.Name, widths[0]),
			colorize(padRight(row.Status, widths[1]), statusColor(row.Status), isTTY),
			renderBar(row.Stats.Percent, 20),
			formatPercent(row.Stats),
			formatRate(row.Stats.RateBps),
			formatETA(row.Stats.ETA),
		})
	}
	return lines + renderTable(w, headers, rows, widths)
}

func formatFetchLine(row FetchRow) string {
	return fmt.Sprintf("url=%s status=%s recv=%s/%s %s %s ETA %s",
		row.Name,
		row.Status,
		formatBytes(row.Stats.BytesDone),
		formatTotal(row.Stats.Total),
		formatPercent(row.Stats),
		formatRate(row.Stats.RateBps),
		formatETA(row.Stats.ETA),
	)
}

func statusColor(status string) string {
	switch status {
	case "done":
		return colorGreen
	case "running", "queued":
		return colorCyan
	case "":
		return ""
	default:
		return colorRed
	}
}

func writeHeader(w io.Writer, header string, isTTY bool) int {
	header = strings.TrimSuffix(header, "\n")
	if header == "" {
		return 0
	}
	lines := strings.Split(header, "\n")
	for _, line := range lines {
		fmt.Fprintln(w, colorize(line, colorCyan, isTTY))
	}
	return len(lines)
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func renderTable(w io.Writer, headers []string, rows [][]string, widths []int) int {
	lines := 0
	border := buildBorder(widths)
	fmt.Fprintln(w, border)
	lines++
	fmt.Fprintln(w, buildRow(headers, widths))
	lines++
	fmt.Fprintln(w, border)
	lines++
	for _, row := range rows {
		fmt.Fprintln(w, buildRow(row, widths))
		lines++
	}
	fmt.Fprintln(w, border)
	lines++
	return lines
}

func buildBorder(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, width := range widths {
		b.WriteString(strings.Repeat("-", width+2))
		b.WriteString("+")
	}
	return b.String()
}

func buildRow(values []string, widths []int) string {
	var b strings.Builder
	b.WriteString("|")
	for i, width := range widths {
		cell := ""
		if i < len(values) {
			cell = values[i]
		}
		b.WriteString(" ")
		b.WriteString(padRight(cell, width))
		b.WriteString(" |")
	}
	return b.String()
}

func padRight(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// truncateLeft keeps the tail of s, which is the informative end of a URL.
func truncateLeft(s string, width int) string {
	if len(s) <= width || width <= 3 {
		return s
	}
	return "..." + s[len(s)-(width-3):]
}

func formatPercent(s Stats) string {
	if s.Total <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", s.Percent)
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2fGiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1fMiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.1fKiB", float64(n)/float64(k))
	case n < 0:
		return "0B"
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatTotal(n int64) string {
	if n <= 0 {
		return "?"
	}
	return formatBytes(n)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
