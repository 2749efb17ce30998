package cmd

import (
	"fmt"
	"strings"
	"time"
)

// PathTemplate provides functionality to generate report paths from templates
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values
// Supports: {job}, {YYYY}, {MM}, {DD}, {HH}
func (pt *PathTemplate) Generate(jobID string, timestamp time.Time) string {
	result := pt.template

	result = strings.ReplaceAll(result, "{job}", jobID)

	result = strings.ReplaceAll(result, "{YYYY}", timestamp.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", timestamp.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", timestamp.Format("02"))
	result = strings.ReplaceAll(result, "{HH}", timestamp.Format("15"))

	return result
}

// Key places filename under the generated prefix. An empty prefix yields
// the bare filename.
func (pt *PathTemplate) Key(jobID string, timestamp time.Time, filename string) string {
	prefix := strings.Trim(pt.Generate(jobID, timestamp), "/")
	if prefix == "" {
		return filename
	}
	return prefix + "/" + filename
}

// GenerateFilename names a report file: comparison-<job>-<timestamp><format><compression>
func GenerateFilename(jobID string, timestamp time.Time, formatExt string, compressionExt string) string {
	filename := fmt.Sprintf("comparison-%s-%s%s", jobID, timestamp.UTC().Format("20060102T150405Z"), formatExt)
	if compressionExt != "" {
		filename += compressionExt
	}
	return filename
}
