package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/engine"
	"github.com/xtxerr/radarcache/internal/errors"
)

// shell wraps the engine in an interactive prompt.
type shell struct {
	eng *engine.Engine
}

func runShell(eng *engine.Engine) {
	sh := &shell{eng: eng}
	fmt.Printf("radarcache %s - site %s. Type 'help' for commands.\n", Version, eng.Site())

	p := prompt.New(
		sh.execute,
		sh.complete,
		prompt.OptionPrefix("radar> "),
		prompt.OptionTitle("radarcache"),
	)
	p.Run()
}

var commands = []prompt.Suggest{
	{Text: "site", Description: "show or switch the radar site"},
	{Text: "range", Description: "request archive data: range <start> <end>"},
	{Text: "cancel", Description: "cancel downloads: cancel <start> <end>"},
	{Text: "timeline", Description: "list cached scans: timeline <start> <end>"},
	{Text: "availability", Description: "merged data ranges: availability <start> <end>"},
	{Text: "volume", Description: "assemble a volume: volume <start>"},
	{Text: "queue", Description: "show download tasks"},
	{Text: "stats", Description: "show engine statistics"},
	{Text: "evict", Description: "run an eviction pass"},
	{Text: "clear", Description: "drop every cached record"},
	{Text: "help", Description: "list commands"},
	{Text: "exit", Description: "quit"},
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	// Only complete the command word itself.
	if d.TextBeforeCursor() != d.GetWordBeforeCursor() {
		return nil
	}
	return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
}

func (sh *shell) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "site":
		sh.cmdSite(fields[1:])
	case "range":
		sh.cmdRange(fields[1:])
	case "cancel":
		sh.cmdCancel(fields[1:])
	case "timeline":
		sh.cmdTimeline(fields[1:])
	case "availability":
		sh.cmdAvailability(fields[1:])
	case "volume":
		sh.cmdVolume(fields[1:])
	case "queue":
		sh.cmdQueue()
	case "stats":
		sh.cmdStats()
	case "evict":
		sh.cmdEvict()
	case "clear":
		if err := sh.eng.ClearCache(); err != nil {
			fmt.Println("clear failed:", err)
		} else {
			fmt.Println("cache cleared")
		}
	case "help":
		for _, c := range commands {
			fmt.Printf("  %-13s %s\n", c.Text, c.Description)
		}
	case "exit", "quit":
		sh.eng.Close()
		os.Exit(0)
	default:
		fmt.Printf("unknown command %q, try 'help'\n", fields[0])
	}
}

func (sh *shell) cmdSite(args []string) {
	if len(args) == 0 {
		fmt.Println(sh.eng.Site())
		return
	}
	site := types.SiteID(strings.ToUpper(args[0]))
	sh.eng.SetSite(site)
	fmt.Printf("site set to %s\n", site)
}

func (sh *shell) cmdRange(args []string) {
	rng, err := parseRange(args)
	if err != nil {
		fmt.Println(err)
		return
	}
	n, err := sh.eng.RequestRange(context.Background(), rng)
	if err != nil {
		fmt.Println("request failed:", err)
		return
	}
	fmt.Printf("%d download(s) enqueued\n", n)
}

func (sh *shell) cmdCancel(args []string) {
	rng, err := parseRange(args)
	if err != nil {
		fmt.Println(err)
		return
	}
	n := sh.eng.CancelRange(rng)
	fmt.Printf("%d task(s) canceled; stored records kept\n", n)
}

func (sh *shell) cmdTimeline(args []string) {
	rng, err := parseRange(args)
	if err != nil {
		fmt.Println(err)
		return
	}
	metas, err := sh.eng.QueryTimelineRange(rng)
	if err != nil {
		fmt.Println("query failed:", err)
		return
	}
	if len(metas) == 0 {
		fmt.Println("no cached scans in range")
		return
	}
	for _, m := range metas {
		expected := "?"
		if m.ExpectedRecords > 0 {
			expected = fmt.Sprint(m.ExpectedRecords)
		}
		fmt.Printf("  %s  %-16s  %d/%s records  %s\n",
			m.Key.ScanStart.Time().Format(time.RFC3339),
			m.Completeness(), len(m.Present), expected,
			formatBytes(m.TotalSizeBytes))
	}
}

func (sh *shell) cmdAvailability(args []string) {
	rng, err := parseRange(args)
	if err != nil {
		fmt.Println(err)
		return
	}
	ranges, err := sh.eng.AvailabilityRanges(rng)
	if err != nil {
		fmt.Println("query failed:", err)
		return
	}
	for _, r := range ranges {
		fmt.Printf("  %s .. %s\n",
			r.Start.Time().Format(time.RFC3339), r.End.Time().Format(time.RFC3339))
	}
}

func (sh *shell) cmdVolume(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: volume <start>")
		return
	}
	start, err := parseTime(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	v, err := sh.eng.GetVolume(start)
	switch {
	case errors.IsIncomplete(err):
		fmt.Println("scan not assembled yet:", err)
		return
	case errors.IsDecodeFailed(err):
		fmt.Println("scan does not decode:", err)
		return
	case err != nil:
		fmt.Println("assembly failed:", err)
		return
	}
	state := "complete"
	if v.Partial {
		state = fmt.Sprintf("partial, missing %v", v.MissingRecords)
	}
	fmt.Printf("volume %s: vcp %d, %d records, %s\n",
		v.Scan, v.VCP, v.RecordCount, state)
}

func (sh *shell) cmdQueue() {
	tasks := sh.eng.QueueState()
	if len(tasks) == 0 {
		fmt.Println("queue empty")
		return
	}
	for _, t := range tasks {
		line := fmt.Sprintf("  #%-4d %-9s %s attempts=%d records=%d",
			t.ID, t.State, t.Scan, t.Attempts, t.RecordsStored)
		if t.Err != "" {
			line += " error=" + t.Err
		}
		fmt.Println(line)
	}
}

func (sh *shell) cmdStats() {
	stats, err := sh.eng.Stats()
	if err != nil {
		fmt.Println("stats failed:", err)
		return
	}
	fmt.Printf("site:         %s\n", stats.Site)
	fmt.Printf("usage:        %s of %s (%d scans)\n",
		formatBytes(stats.TotalBytes), formatBytes(stats.Budget), stats.ScanCount)
	fmt.Printf("ring:         %d volume(s) resident\n", len(stats.RingScans))
	fmt.Printf("scheduler:    %d queued, %d active, %d records stored, %s fetched\n",
		stats.Scheduler.Queued, stats.Scheduler.Active,
		stats.Scheduler.RecordsStored, formatBytes(stats.Scheduler.BytesFetched))
	if stats.Scheduler.FetchLatencyP50 > 0 {
		fmt.Printf("fetch p50/p95/p99: %.2fs / %.2fs / %.2fs\n",
			stats.Scheduler.FetchLatencyP50,
			stats.Scheduler.FetchLatencyP95,
			stats.Scheduler.FetchLatencyP99)
	}
	fmt.Printf("eviction:     %d run(s), %d scan(s) evicted, %s freed\n",
		stats.Eviction.Runs, stats.Eviction.ScansEvicted,
		formatBytes(stats.Eviction.BytesFreed))
	if stats.Scheduler.EventsDropped > 0 {
		fmt.Printf("events dropped: %d\n", stats.Scheduler.EventsDropped)
	}
}

func (sh *shell) cmdEvict() {
	result, err := sh.eng.Evict()
	if err != nil {
		fmt.Println("eviction failed:", err)
		return
	}
	fmt.Printf("%d scan(s) evicted, %s freed\n",
		result.ScansEvicted, formatBytes(result.BytesFreed))
}

// parseTime accepts RFC3339 or the shorter "2006-01-02T15:04" form.
func parseTime(s string) (types.UnixMillis, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return types.UnixMillisFromTime(t), nil
		}
	}
	return 0, fmt.Errorf("cannot parse time %q (want RFC3339, e.g. 2023-11-14T22:13:20Z)", s)
}

func parseRange(args []string) (types.TimeRange, error) {
	if len(args) != 2 {
		return types.TimeRange{}, fmt.Errorf("usage: <start> <end>")
	}
	start, err := parseTime(args[0])
	if err != nil {
		return types.TimeRange{}, err
	}
	end, err := parseTime(args[1])
	if err != nil {
		return types.TimeRange{}, err
	}
	if end <= start {
		return types.TimeRange{}, fmt.Errorf("end must be after start")
	}
	return types.TimeRange{Start: start, End: end}, nil
}

func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
