package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/approveload/internal/loadtest/engine"
)

// Format is a summary export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHTML Format = "html"
)

// FormatForPath picks the export format from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".html", ".htm":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unsupported summary export extension %q (use .json, .yaml, .yml or .html)", filepath.Ext(path))
	}
}

// MarshalResult encodes the result in the given format.
func MarshalResult(result *engine.TestResult, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(result, "", "  ")
	case FormatYAML:
		return yaml.Marshal(result)
	case FormatHTML:
		return RenderHTML(result)
	default:
		return nil, fmt.Errorf("unknown format: %s", format)
	}
}

// ExportSummary writes the result to path, creating parent directories.
func ExportSummary(result *engine.TestResult, path string) error {
	if result == nil {
		return fmt.Errorf("no results to export")
	}

	format, err := FormatForPath(path)
	if err != nil {
		return err
	}

	data, err := MarshalResult(result, format)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
