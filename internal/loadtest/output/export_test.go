package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

func TestFormatForPath(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"summary.json", FormatJSON, false},
		{"out/summary.YAML", FormatYAML, false},
		{"summary.yml", FormatYAML, false},
		{"report.html", FormatHTML, false},
		{"summary.txt", "", true},
		{"summary", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatForPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExportSummary_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "summary.json")
	require.NoError(t, ExportSummary(sampleResult(true), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, json.Valid(data))

	parsed := gjson.ParseBytes(data)
	assert.Equal(t, "approve-load", parsed.Get("name").String())
	assert.True(t, parsed.Get("passed").Bool())
	assert.Equal(t, int64(12000), parsed.Get("metrics.totalRequests").Int())
	assert.InDelta(t, 0.15, parsed.Get("metrics.errorRate").Float(), 1e-9)
	assert.Equal(t, "rate<0.2", parsed.Get("thresholds.0.expression").String())
	assert.Equal(t, "status is 200/500", parsed.Get("checks.0.name").String())
}

func TestExportSummary_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.yaml")
	require.NoError(t, ExportSummary(sampleResult(false), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, "approve-load", decoded["name"])
	assert.Equal(t, false, decoded["passed"])
	assert.Contains(t, decoded, "thresholds")
}

func TestExportSummary_Errors(t *testing.T) {
	assert.Error(t, ExportSummary(nil, filepath.Join(t.TempDir(), "x.json")))
	assert.Error(t, ExportSummary(sampleResult(true), filepath.Join(t.TempDir(), "x.csv")))
}
