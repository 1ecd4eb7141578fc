package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/c360studio/taskforge/store"
)

// fileSink writes an execution's rendered result to a templated path,
// atomically via write-temp-then-rename (spec.md §4.6 "file" sink),
// generalizing the teacher's one-shot os.WriteFile tool call into the
// atomic form the spec requires.
type fileSink struct {
	id     string
	params FileParams
	tmpl   *template.Template
}

func newFileSink(id string, params FileParams) *fileSink {
	tmpl, err := template.New(id).Parse(params.PathTemplate)
	if err != nil {
		// PathTemplate is operator-supplied config, not task input; an
		// invalid template degrades to a fixed fallback path rather than
		// panicking a long-lived delivery worker.
		tmpl = template.Must(template.New(id).Parse(`{{.ID}}.json`))
	}
	return &fileSink{id: id, params: params, tmpl: tmpl}
}

func (s *fileSink) ID() string { return s.id }

func (s *fileSink) Deliver(ctx context.Context, e *store.Execution) error {
	var pathBuf bytes.Buffer
	if err := s.tmpl.Execute(&pathBuf, e); err != nil {
		return fmt.Errorf("%w: render file path: %v", ErrDeliveryDead, err)
	}
	path := pathBuf.String()

	body, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal execution: %v", ErrDeliveryDead, err)
	}

	if s.params.Append {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s for append: %w", path, err)
		}
		defer f.Close()
		if _, err := f.Write(append(body, '\n')); err != nil {
			return fmt.Errorf("append to %s: %w", path, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".delivery-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file into %s: %w", path, err)
	}
	return nil
}
