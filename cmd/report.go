package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/airframesio/table-comparator/cmd/comparator"
	"github.com/airframesio/table-comparator/cmd/compressors"
	"github.com/airframesio/table-comparator/cmd/formatters"
)

// Report row kinds for the jsonl and csv formats
const (
	rowKindError           = "error"
	rowKindSchema          = "schema"
	rowKindRowCount        = "row_count"
	rowKindMissingFromDev  = "missing_from_dev"
	rowKindMissingFromProd = "missing_from_prod"
	rowKindDiffering       = "differing"
)

// reportColumns fixes the CSV column order
var reportColumns = []string{"table", "kind", "key", "column", "prod_value", "dev_value", "detail"}

// ErrReportEmpty is returned when a job produced no result to report
var ErrReportEmpty = errors.New("no comparison result to report")

// reportWriter renders a batch result and stores it locally and/or in S3.
type reportWriter struct {
	cfg      ReportConfig
	uploader s3manageriface.UploaderAPI
	logger   *slog.Logger
	now      func() time.Time
}

func newReportWriter(cfg ReportConfig, logger *slog.Logger) (*reportWriter, error) {
	w := &reportWriter{cfg: cfg, logger: logger, now: time.Now}
	if cfg.S3.Bucket == "" {
		return w, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.S3.Endpoint),
		Region:           aws.String(cfg.S3.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	w.uploader = s3manager.NewUploader(sess)
	return w, nil
}

// renderedReport is a finished report ready to store.
type renderedReport struct {
	data        []byte
	extension   string
	contentType string
}

// render encodes and compresses the result according to the report config.
func (w *reportWriter) render(result *comparator.BatchResult) (*renderedReport, error) {
	var (
		data        []byte
		extension   string
		contentType string
		err         error
	)

	if w.cfg.Format == "" || w.cfg.Format == reportJSON {
		data, err = json.MarshalIndent(result.Capped(w.cfg.MaxMissing, w.cfg.MaxDiffering), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode report: %w", err)
		}
		extension, contentType = ".json", "application/json"
	} else {
		var formatter formatters.Formatter
		if formatter, err = formatters.GetFormatter(w.cfg.Format, reportColumns); err != nil {
			return nil, err
		}
		if data, err = formatter.Format(differenceRows(result)); err != nil {
			return nil, fmt.Errorf("failed to format report: %w", err)
		}
		extension, contentType = formatter.Extension(), formatter.MIMEType()
	}

	compression := w.cfg.Compression
	if compression == "" {
		compression = compressors.None
	}
	compressor, err := compressors.GetCompressor(compression)
	if err != nil {
		return nil, err
	}
	if data, err = compressor.Compress(data, w.cfg.CompressionLevel); err != nil {
		return nil, fmt.Errorf("failed to compress report: %w", err)
	}
	extension += compressor.Extension()
	if ct := compressor.ContentType(); ct != "" {
		contentType = ct
	}

	return &renderedReport{data: data, extension: extension, contentType: contentType}, nil
}

// Write stores the report and returns every location it was written to.
func (w *reportWriter) Write(ctx context.Context, jobID string, result *comparator.BatchResult) ([]string, error) {
	if result == nil {
		return nil, ErrReportEmpty
	}
	report, err := w.render(result)
	if err != nil {
		return nil, err
	}

	now := w.now()
	filename := GenerateFilename(jobID, now, "", report.extension)
	var locations []string

	if w.cfg.Path != "" {
		path := w.cfg.Path
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, filename)
		}
		if err := os.WriteFile(path, report.data, 0o644); err != nil {
			return locations, fmt.Errorf("failed to write report: %w", err)
		}
		w.logger.Info(fmt.Sprintf("📝 Wrote report to %s (%s)", path, formatBytes(int64(len(report.data)))))
		locations = append(locations, path)
	}

	if w.uploader != nil {
		key := NewPathTemplate(w.cfg.S3.PathTemplate).Key(jobID, now, filename)

		_, err := w.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(w.cfg.S3.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(report.data),
			ContentType: aws.String(report.contentType),
		})
		if err != nil {
			return locations, fmt.Errorf("failed to upload report to s3://%s/%s: %w", w.cfg.S3.Bucket, key, err)
		}
		location := fmt.Sprintf("s3://%s/%s", w.cfg.S3.Bucket, key)
		w.logger.Info(fmt.Sprintf("☁️  Uploaded report to %s (%s)", location, formatBytes(int64(len(report.data)))))
		locations = append(locations, location)
	}

	return locations, nil
}

// differenceRows flattens a batch into one row per finding.
func differenceRows(result *comparator.BatchResult) []map[string]interface{} {
	var rows []map[string]interface{}
	row := func(table, kind string) map[string]interface{} {
		r := map[string]interface{}{"table": table, "kind": kind}
		rows = append(rows, r)
		return r
	}

	for _, res := range result.Results {
		table := res.DisplayName
		if res.Failed() {
			row(table, rowKindError)["detail"] = res.Error
			continue
		}
		for _, msg := range res.SchemaDifferences {
			row(table, rowKindSchema)["detail"] = msg
		}
		if res.SourceRowCount != res.TargetRowCount {
			r := row(table, rowKindRowCount)
			r["prod_value"] = res.SourceRowCount
			r["dev_value"] = res.TargetRowCount
		}
		for _, key := range res.MissingFromTarget {
			row(table, rowKindMissingFromDev)["key"] = key
		}
		for _, key := range res.MissingFromSource {
			row(table, rowKindMissingFromProd)["key"] = key
		}
		for _, diff := range res.DifferingRows {
			for _, cell := range diff.Differences {
				r := row(table, rowKindDiffering)
				r["key"] = diff.Key
				r["column"] = cell.Column
				r["prod_value"] = cell.SourceValue
				r["dev_value"] = cell.TargetValue
			}
		}
	}
	return rows
}

// formatBytes formats byte counts in human-readable format
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
