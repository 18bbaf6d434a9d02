package output

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"github.com/wesleyorama2/approveload/internal/loadtest/engine"
	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

const (
	chartWidth  = 600
	chartHeight = 160
)

// reportData is what the HTML template renders.
type reportData struct {
	*engine.TestResult
	RPSPoints   string
	VUPoints    string
	ErrorPoints string
}

// RenderHTML renders the result as a self-contained HTML page.
func RenderHTML(result *engine.TestResult) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("result cannot be nil")
	}

	tmpl, err := template.New("report").Funcs(templateFuncs()).Parse(htmlTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	data := reportData{
		TestResult: result,
		RPSPoints: polyline(result.TimeSeries, func(b *metrics.TimeBucket) float64 {
			return b.IntervalRPS
		}),
		VUPoints: polyline(result.TimeSeries, func(b *metrics.TimeBucket) float64 {
			return float64(b.ActiveVUs)
		}),
		ErrorPoints: polyline(result.TimeSeries, func(b *metrics.TimeBucket) float64 {
			return b.IntervalErrorRate
		}),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// polyline scales one series into SVG points for the chart box.
func polyline(series []*metrics.TimeBucket, value func(*metrics.TimeBucket) float64) string {
	if len(series) == 0 {
		return ""
	}

	peak := 0.0
	for _, b := range series {
		peak = max(peak, value(b))
	}
	if peak == 0 {
		peak = 1
	}

	step := 0.0
	if len(series) > 1 {
		step = float64(chartWidth) / float64(len(series)-1)
	}

	points := make([]string, len(series))
	for i, b := range series {
		x := step * float64(i)
		y := chartHeight - value(b)/peak*chartHeight
		points[i] = strconv.FormatFloat(x, 'f', 1, 64) + "," + strconv.FormatFloat(y, 'f', 1, 64)
	}
	return strings.Join(points, " ")
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"duration": formatDurationShort,
		"elapsed":  formatDuration,
		"number":   formatNumber,
		"bytes":    formatBytes,
		"percent": func(rate float64) string {
			return fmt.Sprintf("%.2f%%", rate*100)
		},
		"rps": func(v float64) string {
			return fmt.Sprintf("%.1f", v)
		},
	}
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>{{.Name}} - Load Test Report</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: #f8fafc; color: #1e293b; margin: 0; }
.container { max-width: 1100px; margin: 0 auto; padding: 2rem; }
.badge { display: inline-block; padding: .2rem .8rem; border-radius: 4px; color: #fff; font-weight: 600; }
.passed { background: #22c55e; } .failed { background: #ef4444; }
.cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(160px, 1fr)); gap: 1rem; margin: 1.5rem 0; }
.card { background: #fff; border: 1px solid #e2e8f0; border-radius: 6px; padding: 1rem; }
.card .label { color: #64748b; font-size: .85rem; } .card .value { font-size: 1.4rem; font-weight: 600; }
table { width: 100%; border-collapse: collapse; background: #fff; margin-bottom: 1.5rem; }
th, td { text-align: left; padding: .4rem .6rem; border-bottom: 1px solid #e2e8f0; }
svg { background: #fff; border: 1px solid #e2e8f0; border-radius: 6px; }
.muted { color: #64748b; }
</style>
</head>
<body>
<div class="container">
<h1>{{.Name}} {{if .Passed}}<span class="badge passed">PASSED</span>{{else}}<span class="badge failed">FAILED</span>{{end}}</h1>
<p class="muted">{{if .Description}}{{.Description}} · {{end}}Run {{.RunID}} · {{.StartTime.Format "2006-01-02 15:04:05 MST"}} · {{elapsed .Duration}}</p>
{{if .Error}}<p><strong>Error:</strong> {{.Error}}</p>{{end}}

{{with .Metrics}}
<div class="cards">
<div class="card"><div class="label">Requests</div><div class="value">{{number .TotalRequests}}</div></div>
<div class="card"><div class="label">Failed</div><div class="value">{{number .FailedRequests}} ({{percent .ErrorRate}})</div></div>
<div class="card"><div class="label">Throughput</div><div class="value">{{rps .RPS}}/s</div></div>
<div class="card"><div class="label">P95 latency</div><div class="value">{{duration .Latency.P95}}</div></div>
<div class="card"><div class="label">Checks</div><div class="value">{{percent .CheckRate}}</div></div>
<div class="card"><div class="label">Data received</div><div class="value">{{bytes .TotalBytes}}</div></div>
</div>

<h2>Latency</h2>
<table>
<tr><th>min</th><th>avg</th><th>p50</th><th>p90</th><th>p95</th><th>p99</th><th>max</th></tr>
<tr><td>{{duration .Latency.Min}}</td><td>{{duration .Latency.Mean}}</td><td>{{duration .Latency.P50}}</td><td>{{duration .Latency.P90}}</td><td>{{duration .Latency.P95}}</td><td>{{duration .Latency.P99}}</td><td>{{duration .Latency.Max}}</td></tr>
</table>
{{end}}

{{if .Thresholds}}
<h2>Thresholds</h2>
<table>
<tr><th>Metric</th><th>Expression</th><th>Value</th><th>Result</th></tr>
{{range .Thresholds}}<tr><td>{{.Metric}}</td><td>{{.Expression}}</td><td>{{.Value}}</td><td>{{if .Passed}}✓{{else}}✗ {{.Message}}{{end}}</td></tr>
{{end}}</table>
{{end}}

{{if .Checks}}
<h2>Checks</h2>
<table>
<tr><th>Check</th><th>Passes</th><th>Fails</th></tr>
{{range .Checks}}<tr><td>{{.Name}}</td><td>{{number .Passes}}</td><td>{{number .Fails}}</td></tr>
{{end}}</table>
{{end}}

{{if .TimeSeries}}
<h2>Timeline</h2>
<p class="muted">Requests/s (blue), active VUs (grey), error rate (red), each scaled to its own peak.</p>
<svg width="600" height="160" viewBox="0 0 600 160" preserveAspectRatio="none">
<polyline fill="none" stroke="#94a3b8" stroke-width="2" points="{{.VUPoints}}"/>
<polyline fill="none" stroke="#3b82f6" stroke-width="2" points="{{.RPSPoints}}"/>
<polyline fill="none" stroke="#ef4444" stroke-width="1.5" points="{{.ErrorPoints}}"/>
</svg>
<table>
<tr><th>Time</th><th>Phase</th><th>VUs</th><th>RPS</th><th>Errors</th><th>P95</th></tr>
{{range .TimeSeries}}<tr><td>{{.Timestamp.Format "15:04:05"}}</td><td>{{.Phase}}</td><td>{{.ActiveVUs}}</td><td>{{rps .IntervalRPS}}</td><td>{{percent .IntervalErrorRate}}</td><td>{{duration .LatencyP95}}</td></tr>
{{end}}</table>
{{end}}
</div>
</body>
</html>
`
