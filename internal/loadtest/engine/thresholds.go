package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

// Thresholds holds pass/fail expressions per metric, e.g. "rate<0.2" for
// http_req_failed or "p95<500ms" for http_req_duration.
type Thresholds struct {
	HTTPReqDuration []string `json:"http_req_duration,omitempty" yaml:"http_req_duration,omitempty"`
	HTTPReqFailed   []string `json:"http_req_failed,omitempty" yaml:"http_req_failed,omitempty"`
	HTTPReqs        []string `json:"http_reqs,omitempty" yaml:"http_reqs,omitempty"`
	Checks          []string `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// ThresholdResult is the outcome of one threshold expression.
type ThresholdResult struct {
	Metric     string `json:"metric" yaml:"metric"`
	Expression string `json:"expression" yaml:"expression"`
	Passed     bool   `json:"passed" yaml:"passed"`
	Value      string `json:"value" yaml:"value"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
}

var thresholdExpr = regexp.MustCompile(`^(\w+)\s*([<>=!]+)\s*(.+)$`)

// Validate parses every expression without evaluating it.
func (t Thresholds) Validate() error {
	empty := &metrics.Snapshot{}
	for _, r := range t.Evaluate(empty) {
		if strings.HasPrefix(r.Message, "invalid") {
			return fmt.Errorf("threshold %s %q: %s", r.Metric, r.Expression, r.Message)
		}
	}
	return nil
}

// Evaluate checks every expression against the snapshot.
func (t Thresholds) Evaluate(snapshot *metrics.Snapshot) []ThresholdResult {
	var results []ThresholdResult

	for _, expr := range t.HTTPReqDuration {
		results = append(results, evaluateDuration(expr, snapshot))
	}
	for _, expr := range t.HTTPReqFailed {
		results = append(results, evaluateRate("http_req_failed", expr, snapshot.ErrorRate))
	}
	for _, expr := range t.HTTPReqs {
		results = append(results, evaluateRequests(expr, snapshot))
	}
	for _, expr := range t.Checks {
		results = append(results, evaluateRate("checks", expr, snapshot.CheckRate))
	}

	return results
}

func evaluateDuration(expr string, snapshot *metrics.Snapshot) ThresholdResult {
	result := ThresholdResult{Metric: "http_req_duration", Expression: expr}

	stat, op, valueStr, err := parseThresholdExpression(expr)
	if err != nil {
		result.Message = err.Error()
		return result
	}

	var actual time.Duration
	switch stat {
	case "min":
		actual = snapshot.Latency.Min
	case "max":
		actual = snapshot.Latency.Max
	case "avg":
		actual = snapshot.Latency.Mean
	case "med", "p50":
		actual = snapshot.Latency.P50
	case "p90":
		actual = snapshot.Latency.P90
	case "p95":
		actual = snapshot.Latency.P95
	case "p99":
		actual = snapshot.Latency.P99
	default:
		result.Message = fmt.Sprintf("invalid statistic: %s", stat)
		return result
	}

	threshold, err := time.ParseDuration(valueStr)
	if err != nil {
		result.Message = fmt.Sprintf("invalid threshold value: %v", err)
		return result
	}

	result.Value = actual.String()
	result.Passed = compareValues(float64(actual), op, float64(threshold))
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", stat, actual, op, threshold)
	}
	return result
}

// evaluateRate handles metrics whose only statistic is a 0..1 rate.
func evaluateRate(metric, expr string, actual float64) ThresholdResult {
	result := ThresholdResult{Metric: metric, Expression: expr}

	stat, op, valueStr, err := parseThresholdExpression(expr)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	if stat != "rate" {
		result.Message = fmt.Sprintf("invalid statistic: %s only supports 'rate', got %s", metric, stat)
		return result
	}

	threshold, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		result.Message = fmt.Sprintf("invalid threshold value: %v", err)
		return result
	}

	result.Value = fmt.Sprintf("%.4f", actual)
	result.Passed = compareValues(actual, op, threshold)
	if !result.Passed {
		result.Message = fmt.Sprintf("rate is %.4f, threshold: %s %.4f", actual, op, threshold)
	}
	return result
}

func evaluateRequests(expr string, snapshot *metrics.Snapshot) ThresholdResult {
	result := ThresholdResult{Metric: "http_reqs", Expression: expr}

	stat, op, valueStr, err := parseThresholdExpression(expr)
	if err != nil {
		result.Message = err.Error()
		return result
	}

	threshold, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		result.Message = fmt.Sprintf("invalid threshold value: %v", err)
		return result
	}

	var actual float64
	switch stat {
	case "count":
		actual = float64(snapshot.TotalRequests)
	case "rate":
		actual = snapshot.RPS
	default:
		result.Message = fmt.Sprintf("invalid statistic: http_reqs supports 'count' or 'rate', got %s", stat)
		return result
	}

	result.Value = fmt.Sprintf("%.2f", actual)
	result.Passed = compareValues(actual, op, threshold)
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %.2f, threshold: %s %.2f", stat, actual, op, threshold)
	}
	return result
}

// parseThresholdExpression splits an expression like "p95 < 500ms".
func parseThresholdExpression(expr string) (stat, op, value string, err error) {
	matches := thresholdExpr.FindStringSubmatch(strings.TrimSpace(expr))
	if len(matches) != 4 {
		return "", "", "", fmt.Errorf("invalid expression format: %q", expr)
	}

	switch matches[2] {
	case "<", "<=", ">", ">=", "==", "=", "!=":
	default:
		return "", "", "", fmt.Errorf("invalid operator: %s", matches[2])
	}

	return matches[1], matches[2], strings.TrimSpace(matches[3]), nil
}

func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==", "=":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}
