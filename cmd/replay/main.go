package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lmittmann/tint"

	"simbridge.ai/internal/bridge"
	"simbridge.ai/internal/persistence/indexdb"
	"simbridge.ai/internal/persistence/ticklog"
)

func main() {
	var (
		ticksDir  = flag.String("ticks", "./data/ticks", "directory containing ticks-*.jsonl.zst")
		indexPath = flag.String("index", "", "sqlite tick index to summarize instead of the logs (optional)")
		agent     = flag.String("agent", "", "only count this agent (optional)")
		asJSON    = flag.Bool("json", false, "print the summary as JSON")
	)
	flag.Parse()

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.Kitchen}))

	if *indexPath != "" {
		if err := printIndex(os.Stdout, *indexPath, *asJSON); err != nil {
			log.Error("index summary", "path", *indexPath, "err", err)
			os.Exit(1)
		}
		return
	}

	files, err := ticklog.Files(*ticksDir)
	if err != nil {
		log.Error("list tick logs", "err", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		log.Error("no tick logs found", "dir", *ticksDir)
		os.Exit(1)
	}

	sum := newSummary(*agent)
	for _, path := range files {
		if err := ticklog.ReadFile(path, sum.add); err != nil {
			log.Error("read tick log", "path", path, "err", err)
			os.Exit(1)
		}
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum.report())
		return
	}
	sum.print(os.Stdout, len(files))
}

type agentTotals struct {
	AgentID    string         `json:"agent_id"`
	Ticks      int            `json:"ticks"`
	Outcomes   map[string]int `json:"outcomes"`
	Codes      map[string]int `json:"codes,omitempty"`
	Actions    map[string]int `json:"actions,omitempty"`
	Commands   map[string]int `json:"commands,omitempty"`
	TotalMS    float64        `json:"-"`
	MaxMS      float64        `json:"max_duration_ms"`
	AvgMS      float64        `json:"avg_duration_ms"`
	FirstStart time.Time      `json:"first_started_at"`
	LastStart  time.Time      `json:"last_started_at"`
}

type summary struct {
	only   string
	agents map[string]*agentTotals
}

func newSummary(only string) *summary {
	return &summary{only: strings.TrimSpace(only), agents: map[string]*agentTotals{}}
}

func (s *summary) add(r bridge.TickResult) error {
	if s.only != "" && r.AgentID != s.only {
		return nil
	}
	a := s.agents[r.AgentID]
	if a == nil {
		a = &agentTotals{
			AgentID:  r.AgentID,
			Outcomes: map[string]int{},
			Codes:    map[string]int{},
			Actions:  map[string]int{},
			Commands: map[string]int{},
		}
		s.agents[r.AgentID] = a
	}
	a.Ticks++
	a.Outcomes[string(r.Outcome)]++
	if r.Code != "" {
		a.Codes[r.Code]++
	}
	if r.Action != "" {
		a.Actions[r.Action]++
	}
	for _, c := range r.Commands {
		a.Commands[c]++
	}
	a.TotalMS += r.DurationMS
	if r.DurationMS > a.MaxMS {
		a.MaxMS = r.DurationMS
	}
	if a.FirstStart.IsZero() || r.StartedAt.Before(a.FirstStart) {
		a.FirstStart = r.StartedAt
	}
	if r.StartedAt.After(a.LastStart) {
		a.LastStart = r.StartedAt
	}
	return nil
}

func (s *summary) report() []agentTotals {
	out := make([]agentTotals, 0, len(s.agents))
	for _, a := range s.agents {
		t := *a
		if t.Ticks > 0 {
			t.AvgMS = t.TotalMS / float64(t.Ticks)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (s *summary) print(w io.Writer, files int) {
	rows := s.report()
	total := 0
	for _, r := range rows {
		total += r.Ticks
	}
	fmt.Fprintf(w, "tick logs: files=%d ticks=%d agents=%d\n", files, total, len(rows))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tTICKS\tAPPLIED\tIDLE\tFAILED\tCANCELLED\tAVG_MS\tMAX_MS\tCODES")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f\t%.1f\t%s\n",
			r.AgentID, r.Ticks,
			r.Outcomes[string(bridge.OutcomeApplied)], r.Outcomes[string(bridge.OutcomeIdle)],
			r.Outcomes[string(bridge.OutcomeFailed)], r.Outcomes[string(bridge.OutcomeCancelled)],
			r.AvgMS, r.MaxMS, formatCounts(r.Codes))
	}
	_ = tw.Flush()
}

func printIndex(w io.Writer, path string, asJSON bool) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rows, err := idx.Summary(ctx)
	if err != nil {
		return err
	}
	codes, err := idx.FailureCodes(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"agents": rows, "failure_codes": codes})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tTICKS\tAPPLIED\tIDLE\tFAILED\tCANCELLED\tAVG_MS\tLAST")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f\t%s\n",
			r.AgentID, r.Ticks, r.Applied, r.Idle, r.Failed, r.Cancelled, r.AvgDurationMS, r.LastStartedAt)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "failure codes: %s\n", formatCounts(codes))
	return nil
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, ",")
}
