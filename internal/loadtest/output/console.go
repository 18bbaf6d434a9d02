// Package output renders live progress and the final summary of a run.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/approveload/internal/loadtest/engine"
	"github.com/wesleyorama2/approveload/internal/loadtest/executor"
	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

// ANSI cursor control for redrawing the live view in place.
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats is what the live view shows.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	ActiveVUs int
	TargetVUs int

	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64
	ChecksFailed  int64

	LatencyP95 time.Duration
	LatencyAvg time.Duration

	CurrentPhase string
	CurrentStage int // 1-based
	TotalStages  int
}

// Source is a run that can be polled for live statistics.
type Source interface {
	IsRunning() bool
	GetMetrics() *metrics.Snapshot
	GetProgress() float64
	GetStats() *executor.Stats
}

// ConsoleOutput manages console output during a run.
type ConsoleOutput struct {
	testName       string
	executorType   string
	totalDuration  time.Duration
	updateInterval time.Duration
	writer         io.Writer
	isTTY          bool
	quiet          bool

	palette palette

	mu          sync.Mutex
	linesOutput int
}

// ConsoleOutputConfig configures a ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName       string
	ExecutorType   string
	TotalDuration  time.Duration
	UpdateInterval time.Duration
	Writer         io.Writer
	Quiet          bool

	// ForceColors and ForceTTY override terminal detection.
	ForceColors bool
	ForceTTY    bool
}

type palette struct {
	bold, dim, cyan, green, yellow, red, blue, magenta *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		bold:    color.New(color.Bold),
		dim:     color.New(color.Faint),
		cyan:    color.New(color.FgCyan),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
		blue:    color.New(color.FgBlue),
		magenta: color.New(color.FgMagenta),
	}
	for _, c := range []*color.Color{p.bold, p.dim, p.cyan, p.green, p.yellow, p.red, p.blue, p.magenta} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// NewConsoleOutput creates a console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = time.Second
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := config.ForceColors || (isTTY && supportsColors())

	return &ConsoleOutput{
		testName:       config.TestName,
		executorType:   config.ExecutorType,
		totalDuration:  config.TotalDuration,
		updateInterval: config.UpdateInterval,
		writer:         config.Writer,
		isTTY:          isTTY,
		quiet:          config.Quiet,
		palette:        newPalette(useColors),
	}
}

// PrintHeader prints the run banner.
func (c *ConsoleOutput) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	executorInfo := ""
	if c.executorType != "" {
		executorInfo = fmt.Sprintf(" [%s]", c.executorType)
	}

	c.writeln(c.palette.cyan.Sprint(line))
	c.writeln(c.palette.bold.Sprintf("%s - Running%s", c.testName, executorInfo))
	if c.totalDuration > 0 {
		c.writeln(c.palette.dim.Sprintf("Duration: %s", formatDuration(c.totalDuration)))
	}
	c.writeln(c.palette.cyan.Sprint(line))
	c.writeln("")
}

// Watch polls src every update interval until ctx is done or the run ends,
// redrawing in place on a terminal and printing one line per update otherwise.
func (c *ConsoleOutput) Watch(ctx context.Context, src Source) {
	if c.quiet {
		return
	}

	ticker := time.NewTicker(c.updateInterval)
	defer ticker.Stop()

	started := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running := src.IsRunning()
			if !running && started {
				return
			}
			if !running {
				continue
			}
			started = true

			stats := StatsFromMetrics(src.GetMetrics(), src.GetProgress(), c.totalDuration, src.GetStats())
			if c.isTTY {
				c.Update(stats)
			} else {
				c.PrintNonInteractiveUpdate(stats)
			}
		}
	}
}

// Update redraws the live view. It is a no-op off a terminal.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	p := c.palette
	var lines []string

	progressBar := renderProgressBar(stats.Progress, 40)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		p.green.Sprint(progressBar),
		p.bold.Sprintf("%.0f%%", stats.Progress*100),
		p.dim.Sprint(timeInfo)))

	phaseInfo := stats.CurrentPhase
	if stats.TotalStages > 0 {
		phaseInfo = fmt.Sprintf("%s (%d/%d)", stats.CurrentPhase, stats.CurrentStage, stats.TotalStages)
	}
	lines = append(lines, "Stage:    "+p.magenta.Sprint(phaseInfo))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, p.dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	vusStr := fmt.Sprintf("VUs:     %s / %d", p.cyan.Sprint(stats.ActiveVUs), stats.TargetVUs)
	reqsStr := "Requests:    " + p.cyan.Sprint(formatNumber(stats.TotalRequests))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	errColor := rateColor(p, stats.ErrorRate)
	rpsStr := "RPS:     " + p.green.Sprintf("%.1f", stats.CurrentRPS)
	errStr := fmt.Sprintf("Failed:      %s (%s)",
		errColor.Sprint(stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	p95Str := "P95:     " + p.blue.Sprint(formatDurationShort(stats.LatencyP95))
	checkColor := p.green
	if stats.ChecksFailed > 0 {
		checkColor = p.red
	}
	checksStr := "Checks ✗:    " + checkColor.Sprint(formatNumber(stats.ChecksFailed))
	lines = append(lines, c.formatBoxRow(p95Str, checksStr, boxWidth))

	lines = append(lines, p.dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))

	return lines
}

func rateColor(p palette, rate float64) *color.Color {
	switch {
	case rate > 0.05:
		return p.red
	case rate > 0.01:
		return p.yellow
	default:
		return p.green
	}
}

func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2

	leftPadding := max(colWidth-visibleLen(left), 0)
	rightPadding := max(colWidth-visibleLen(right), 0)

	border := c.palette.dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		border,
		left, strings.Repeat(" ", leftPadding),
		border,
		right, strings.Repeat(" ", rightPadding),
		border)
}

// PrintNonInteractiveUpdate prints a one-line status for logs and CI.
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] %s | Progress: %.0f%% | VUs: %d/%d | Reqs: %d | RPS: %.1f | Failed: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.CurrentPhase,
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TargetVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// PrintSummary prints the final result. In quiet mode only the verdict is printed.
func (c *ConsoleOutput) PrintSummary(result *engine.TestResult) {
	p := c.palette

	if result == nil {
		c.writeln(p.red.Sprint("No results available"))
		return
	}

	if c.quiet {
		if result.Passed {
			c.writeln(p.green.Sprint("PASSED"))
		} else {
			c.writeln(p.red.Sprint("FAILED"))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := p.green.Sprint("Completed ✓")
	if !result.Passed {
		status = p.red.Sprint("Failed ✗")
	}

	c.writeln("")
	c.writeln(p.cyan.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", p.bold.Sprint(result.Name), status))
	c.writeln(p.cyan.Sprint(line))
	c.writeln("")

	c.writeln("Run ID:        " + p.dim.Sprint(result.RunID))
	c.writeln("Duration:      " + p.cyan.Sprint(formatDuration(result.Duration)))

	if m := result.Metrics; m != nil {
		c.writeln("Total Reqs:    " + p.cyan.Sprint(formatNumber(m.TotalRequests)))
		c.writeln(fmt.Sprintf("Failed Reqs:   %s (%s)",
			rateColor(p, m.ErrorRate).Sprint(formatNumber(m.FailedRequests)),
			rateColor(p, m.ErrorRate).Sprintf("%.2f%%", m.ErrorRate*100)))
		if m.TransportErrors > 0 {
			c.writeln("  no response: " + p.red.Sprint(formatNumber(m.TransportErrors)))
		}
		c.writeln(fmt.Sprintf("Throughput:    %.1f req/s", m.RPS))
		c.writeln("Data Received: " + formatBytes(m.TotalBytes))
		c.writeln("")

		c.writeln(p.bold.Sprint("Latency Distribution:"))
		c.writeln("  Min:       " + formatDurationShort(m.Latency.Min))
		c.writeln("  Avg:       " + formatDurationShort(m.Latency.Mean))
		c.writeln("  P50:       " + formatDurationShort(m.Latency.P50))
		c.writeln("  P90:       " + formatDurationShort(m.Latency.P90))
		c.writeln("  P95:       " + formatDurationShort(m.Latency.P95))
		c.writeln("  P99:       " + formatDurationShort(m.Latency.P99))
		c.writeln("  Max:       " + formatDurationShort(m.Latency.Max))
		c.writeln("")
	}

	if len(result.Checks) > 0 {
		c.writeln(p.bold.Sprint("Checks:"))
		for _, check := range result.Checks {
			mark := p.green.Sprint("✓")
			if check.Fails > 0 {
				mark = p.red.Sprint("✗")
			}
			total := check.Passes + check.Fails
			rate := 0.0
			if total > 0 {
				rate = float64(check.Passes) / float64(total) * 100
			}
			c.writeln(fmt.Sprintf("  %s %s  %.2f%% (%s passed, %s failed)",
				mark, check.Name, rate, formatNumber(check.Passes), formatNumber(check.Fails)))
		}
		c.writeln("")
	}

	if len(result.Thresholds) > 0 {
		c.writeln(p.bold.Sprint("Thresholds:"))
		for _, t := range result.Thresholds {
			mark := p.green.Sprint("✓")
			if !t.Passed {
				mark = p.red.Sprint("✗")
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", mark, t.Metric, t.Expression, t.Value))
			if !t.Passed && t.Message != "" {
				c.writeln("      " + p.dim.Sprint(t.Message))
			}
		}
		c.writeln("")
	}

	if result.Error != "" {
		c.writeln(p.red.Sprint("Error: " + result.Error))
		c.writeln("")
	}
}

// IsTTY reports whether output goes to a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// StatsFromMetrics builds the live view from a snapshot and executor stats.
// Either argument may be nil before the run has started.
func StatsFromMetrics(snapshot *metrics.Snapshot, progress float64, totalDuration time.Duration, stats *executor.Stats) *LiveStats {
	live := &LiveStats{
		Progress:     progress,
		CurrentPhase: "initializing",
	}
	if stats != nil {
		live.TargetVUs = stats.TargetVUs
		live.CurrentStage = stats.CurrentStage + 1
		live.TotalStages = stats.TotalStages
	}
	if snapshot == nil {
		return live
	}

	elapsed := snapshot.Elapsed
	remaining := time.Duration(0)
	if totalDuration > 0 {
		remaining = max(totalDuration-elapsed, 0)
	} else if progress > 0 && progress < 1 {
		remaining = time.Duration(float64(elapsed) * (1 - progress) / progress)
	}

	live.Elapsed = elapsed
	live.Remaining = remaining
	live.ActiveVUs = snapshot.ActiveVUs
	live.CurrentRPS = snapshot.RPS
	live.TotalRequests = snapshot.TotalRequests
	live.Errors = snapshot.FailedRequests
	live.ErrorRate = snapshot.ErrorRate
	live.ChecksFailed = snapshot.ChecksFailed
	live.LatencyP95 = snapshot.Latency.P95
	live.LatencyAvg = snapshot.Latency.Mean
	live.CurrentPhase = string(snapshot.CurrentPhase)
	return live
}
