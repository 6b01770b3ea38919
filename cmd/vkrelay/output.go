package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/vibekanban/vkrelay/internal/keystore"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func printHosts(w io.Writer, hosts []keystore.PairedRelayHost, active string, now time.Time) {
	if len(hosts) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No paired hosts. Run `vkrelay hosts import` to add one."))
		return
	}

	fmt.Fprintf(w, "%s\n", headerStyle.Render(fmt.Sprintf("  %-36s  %-24s  %s", "HOST", "NAME", "PAIRED")))
	for _, h := range hosts {
		marker := " "
		if h.HostID == active {
			marker = okStyle.Render("*")
		}
		paired := dimStyle.Render("unknown")
		if !h.PairedAt.IsZero() {
			paired = humanize.RelTime(h.PairedAt, now, "ago", "from now")
		}
		line := fmt.Sprintf("%s %-36s  %-24s  %s", marker, h.HostID, truncate(h.DisplayName(), 24), paired)
		if h.Outdated() {
			line += "  " + warnStyle.Render("(outdated pairing, re-pair required)")
		}
		fmt.Fprintln(w, line)
	}
}

func printResponseHead(w io.Writer, resp *http.Response, size int64, elapsed time.Duration) {
	status := okStyle
	if resp.StatusCode >= 400 {
		status = errorStyle
	}
	fmt.Fprintf(w, "%s %s\n", status.Render(resp.Status), dimStyle.Render(fmt.Sprintf("(%s in %s)",
		humanize.Bytes(uint64(max(size, 0))), elapsed.Round(time.Millisecond))))

	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render(k+":"), strings.Join(resp.Header[k], ", "))
	}
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
