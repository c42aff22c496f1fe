// Package report renders the health monitor's windowed view into a
// structured performance report with a human-readable summary.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	sprig "github.com/Masterminds/sprig/v3"

	"github.com/scrivia/draftcache/internal/cache"
	"github.com/scrivia/draftcache/internal/health"
)

// Report bundles the windowed performance view served over the API. Summary
// holds the rendered text form of the same data.
type Report struct {
	GeneratedAt     time.Time             `json:"generatedAt"`
	Window          time.Duration         `json:"window"`
	Classification  health.Classification `json:"classification"`
	Performance     health.Snapshot       `json:"performance"`
	Trends          health.TrendReport    `json:"trends"`
	TopIssues       []health.Issue        `json:"topIssues,omitempty"`
	Recommendations []string              `json:"recommendations,omitempty"`
	Summary         string                `json:"summary"`
}

const defaultSummaryTemplate = `Performance over the last {{ .Window }}: {{ upper (printf "%s" .Classification) }}.
Hit rate {{ printf "%.1f%%" (mulf .Performance.HitRate 100.0) }} ({{ .Performance.TotalHits }} of {{ .Performance.TotalRequests }} requests, {{ printf "%.1f%%" (mulf .Performance.FastTierHitRate 100.0) }} from the fast tier), mean latency {{ .Performance.MeanLatency }}, error rate {{ printf "%.1f%%" (mulf .Performance.ErrorRate 100.0) }}.
Trends: hit rate {{ .Trends.HitRate }}, latency {{ .Trends.MeanLatency }}, error rate {{ .Trends.ErrorRate }}, throughput {{ .Trends.Throughput }}.
{{- if .TopIssues }}
Top issues:
{{- range .TopIssues }}
- {{ .Service }}: {{ abbrev 120 .Message }} ({{ .Count }}x, last seen {{ .LastSeen.Format "2006-01-02T15:04:05Z07:00" }})
{{- end }}
{{- end }}
{{- if .Recommendations }}
Recommendations:
{{- range .Recommendations }}
- {{ . }}
{{- end }}
{{- end }}
`

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	// SummaryTemplate overrides the built-in summary text. Optional.
	SummaryTemplate string
	// IssueLimit caps the issue list. Defaults to 5.
	IssueLimit int
	// Clock defaults to the system clock; tests inject a fake.
	Clock cache.Clock
}

// Builder assembles reports from a monitor's buffers. Safe for concurrent
// use once constructed.
type Builder struct {
	monitor    *health.Monitor
	clock      cache.Clock
	tmpl       *template.Template
	issueLimit int
}

// NewBuilder compiles the summary template and binds the builder to a
// monitor.
func NewBuilder(monitor *health.Monitor, opts BuilderOptions) (*Builder, error) {
	if monitor == nil {
		return nil, errors.New("report: monitor is required")
	}
	source := opts.SummaryTemplate
	if strings.TrimSpace(source) == "" {
		source = defaultSummaryTemplate
	}
	tmpl, err := compileSummary(source)
	if err != nil {
		return nil, err
	}
	limit := opts.IssueLimit
	if limit <= 0 {
		limit = 5
	}
	clock := opts.Clock
	if clock == nil {
		clock = cache.SystemClock()
	}
	return &Builder{monitor: monitor, clock: clock, tmpl: tmpl, issueLimit: limit}, nil
}

// funcMap strips sprig's environment and filesystem helpers so summary
// templates cannot read the host.
func funcMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	return funcs
}

func compileSummary(source string) (*template.Template, error) {
	tmpl, err := template.New("summary").Funcs(funcMap()).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("report: compile summary template: %w", err)
	}
	return tmpl, nil
}

// Build snapshots the trailing window and renders the summary. A
// non-positive window defaults to one hour.
func (b *Builder) Build(ctx context.Context, window time.Duration) (Report, error) {
	if window <= 0 {
		window = time.Hour
	}
	snap := b.monitor.SnapshotWindow(ctx, window)
	rep := Report{
		GeneratedAt:     b.clock.Now(),
		Window:          window,
		Classification:  b.monitor.Classify(snap),
		Performance:     snap,
		Trends:          b.monitor.Trends(window),
		TopIssues:       b.monitor.TopIssues(b.issueLimit),
		Recommendations: b.monitor.Recommendations(snap),
	}
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, rep); err != nil {
		return Report{}, fmt.Errorf("report: render summary: %w", err)
	}
	rep.Summary = strings.TrimRight(buf.String(), "\n")
	return rep, nil
}
