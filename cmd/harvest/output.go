package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gojson "github.com/goccy/go-json"
	"github.com/jcliff/orrery-sub001/pkg/adapter"
	"github.com/jcliff/orrery-sub001/pkg/config"
)

// featureWriter writes features to the job output as they arrive. File
// output goes to a temporary file next to the target, which replaces the
// target only on Commit.
type featureWriter interface {
	WriteFeatures(features []adapter.Feature) error

	// Commit finishes the output and makes it visible.
	Commit() error

	// Abort discards the output. A previous file at the target path is left
	// untouched.
	Abort()
}

// openOutput opens the job output. An empty path or "-" writes to stdout.
func openOutput(out config.OutputConfig, stdout io.Writer) (featureWriter, error) {
	t := &outputTarget{}
	if out.Path == "" || out.Path == "-" {
		t.buf = bufio.NewWriter(stdout)
	} else {
		dir := filepath.Dir(out.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
		f, err := os.CreateTemp(dir, "."+filepath.Base(out.Path)+".*.tmp")
		if err != nil {
			return nil, fmt.Errorf("create output: %w", err)
		}
		t.file = f
		t.path = out.Path
		t.buf = bufio.NewWriter(f)
	}

	if out.Format == config.FormatNDJSON {
		return &ndjsonWriter{outputTarget: t}, nil
	}
	return &geojsonWriter{outputTarget: t}, nil
}

// outputTarget is stdout (file == nil) or a temporary file renamed to path
// on commit.
type outputTarget struct {
	buf  *bufio.Writer
	file *os.File
	path string
}

func (t *outputTarget) commit() error {
	if err := t.buf.Flush(); err != nil {
		t.Abort()
		return err
	}
	if t.file == nil {
		return nil
	}

	tmp := t.file.Name()
	if err := t.file.Chmod(0o644); err != nil {
		t.Abort()
		return err
	}
	if err := t.file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Abort drops buffered output and removes the temporary file. Records
// already flushed to stdout cannot be taken back.
func (t *outputTarget) Abort() {
	if t.file == nil {
		return
	}
	t.file.Close()
	os.Remove(t.file.Name())
}

// ndjsonWriter writes one JSON record per line.
type ndjsonWriter struct {
	*outputTarget
}

func (w *ndjsonWriter) WriteFeatures(features []adapter.Feature) error {
	for _, f := range features {
		data, err := gojson.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode feature: %w", err)
		}
		if _, err := w.buf.Write(data); err != nil {
			return err
		}
		if err := w.buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

func (w *ndjsonWriter) Commit() error {
	return w.commit()
}

// geojsonWriter streams a FeatureCollection. Plain records are wrapped as
// features without geometry.
type geojsonWriter struct {
	*outputTarget
	started bool
	count   int
}

func (w *geojsonWriter) start() error {
	if w.started {
		return nil
	}
	w.started = true
	_, err := w.buf.WriteString(`{"type":"FeatureCollection","features":[`)
	return err
}

func (w *geojsonWriter) WriteFeatures(features []adapter.Feature) error {
	if err := w.start(); err != nil {
		return err
	}
	for _, f := range features {
		data, err := gojson.Marshal(asGeoJSON(f))
		if err != nil {
			return fmt.Errorf("encode feature: %w", err)
		}
		if w.count > 0 {
			if err := w.buf.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.buf.Write(data); err != nil {
			return err
		}
		w.count++
	}
	return nil
}

func (w *geojsonWriter) Commit() error {
	err := w.start()
	if err == nil {
		_, err = w.buf.WriteString("]}\n")
	}
	if err != nil {
		w.Abort()
		return err
	}
	return w.commit()
}

func asGeoJSON(f adapter.Feature) adapter.Feature {
	if f.IsGeoJSON() {
		return f
	}
	return adapter.Feature{
		"type":       "Feature",
		"geometry":   nil,
		"properties": map[string]any(f),
	}
}
