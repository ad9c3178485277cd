package benchmark

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/pkg/errors"
)

// Writer persists a report under one output directory.
type Writer struct {
	dir    string
	labels []string
	log    logs.Log
}

// NewWriter creates the output directory if needed.
func NewWriter(dir string, labels []string, log logs.Log) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, common.WrapIO(errors.Wrap(err, "failed to create output directory"), dir)
	}
	return &Writer{dir: dir, labels: labels, log: log}, nil
}

// PredictionPath returns the per-class detection file of a label.
func (w *Writer) PredictionPath(prefix, label string) string {
	return filepath.Join(w.dir, prefix+"_"+label+".txt")
}

// Write stores the per-class detection files, the JSON report and the CSV
// summary.
func (w *Writer) Write(r *Report) error {
	if err := w.WritePredictions(r); err != nil {
		return err
	}
	if err := w.WriteJSON(r); err != nil {
		return err
	}
	return w.WriteSummary(r)
}

// WritePredictions writes one file per class with a line per detection:
//
//	<id> <confidence> <xmin> <ymin> <xmax> <ymax>
//
// Coordinates are in source image pixels. Every class gets a file, even
// when it has no detections.
func (w *Writer) WritePredictions(r *Report) error {
	files := make([]*os.File, len(w.labels))
	writers := make([]*bufio.Writer, len(w.labels))
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()
	for i, label := range w.labels {
		path := w.PredictionPath(r.Prefix, label)
		f, err := os.Create(path)
		if err != nil {
			return common.WrapIO(err, path)
		}
		files[i] = f
		writers[i] = bufio.NewWriter(f)
	}

	for _, img := range r.Images {
		if img.Status != StatusProcessed {
			continue
		}
		for _, d := range img.Detections {
			if d.Class < 0 || d.Class >= len(writers) {
				continue
			}
			x1, y1, x2, y2 := d.Box.Corners()
			fmt.Fprintf(writers[d.Class], "%s %f %f %f %f %f\n", img.ID, d.Confidence, x1, y1, x2, y2)
		}
	}

	for i, bw := range writers {
		if err := bw.Flush(); err != nil {
			return common.WrapIO(err, files[i].Name())
		}
	}
	for i, f := range files {
		files[i] = nil
		if err := f.Close(); err != nil {
			return common.WrapIO(err, f.Name())
		}
	}
	w.log.Infof("Detections written to %s", w.PredictionPath(r.Prefix, "<label>"))
	return nil
}

// WriteJSON writes the full report.
func (w *Writer) WriteJSON(r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal report")
	}
	path := filepath.Join(w.dir, r.Prefix+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return common.WrapIO(err, path)
	}
	w.log.Infof("Report saved to: %s", path)
	return nil
}

// WriteSummary writes one CSV row per image followed by a total row.
func (w *Writer) WriteSummary(r *Report) error {
	path := filepath.Join(w.dir, r.Prefix+"_summary.csv")
	f, err := os.Create(path)
	if err != nil {
		return common.WrapIO(err, path)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	cw.Write([]string{"id", "path", "status", "latency_ms", "detections"})
	for _, img := range r.Images {
		cw.Write([]string{
			img.ID,
			img.Path,
			string(img.Status),
			strconv.FormatFloat(float64(img.Latency.Nanoseconds())/1e6, 'f', 3, 64),
			strconv.Itoa(len(img.Detections)),
		})
	}
	cw.Write([]string{
		"total",
		r.Engine,
		fmt.Sprintf("processed=%d skipped=%d failed=%d", r.Processed, r.Skipped, r.Failed),
		strconv.FormatFloat(r.TotalMilliseconds(), 'f', 3, 64),
		strconv.Itoa(r.DetectionCount),
	})
	cw.Flush()
	if err := cw.Error(); err != nil {
		return common.WrapIO(err, path)
	}
	w.log.Infof("Summary saved to: %s", path)
	return f.Close()
}
