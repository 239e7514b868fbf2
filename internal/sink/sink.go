// Package sink appends successful outcomes to result files.
//
// Records are buffered in memory and written by Flush, which writes every
// configured file and syncs it. The engine flushes the sink before each
// checkpoint, so a checkpointed target always has its record on disk.
package sink

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

type Format string

const (
	FormatList  Format = "list"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

func (f Format) ext() string {
	switch f {
	case FormatList:
		return ".txt"
	case FormatJSONL:
		return ".jsonl"
	case FormatCSV:
		return ".csv"
	default:
		return ""
	}
}

// ParseFormats converts format names, an empty list means list only.
func ParseFormats(names []string) ([]Format, error) {
	if len(names) == 0 {
		return []Format{FormatList}, nil
	}
	ret := make([]Format, 0, len(names))
	seen := make(map[Format]bool, len(names))
	for _, name := range names {
		f := Format(name)
		if f.ext() == "" {
			return nil, fmt.Errorf("%w: %q", model.ErrUnknownFormat, name)
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		ret = append(ret, f)
	}
	return ret, nil
}

type Config struct {
	Buffer  int // records kept before an automatic flush, at least 1
	Formats []Format
	Prefix  string
	RunID   string // stored in jsonl records
}

type output struct {
	format  Format
	name    string
	f       *os.File
	header  bool // csv header still needs to be written
	written int  // records of the current buffer already in this file
}

// Sink is not safe for concurrent use, it has a single owner.
type Sink struct {
	root    *os.Root
	cfg     Config
	outputs []*output
	buf     []model.Outcome
	count   int
}

func Open(dir string, cfg Config) (*Sink, error) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "successful"
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []Format{FormatList}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		root: root,
		cfg:  cfg,
		buf:  make([]model.Outcome, 0, cfg.Buffer),
	}
	for _, format := range cfg.Formats {
		if format.ext() == "" {
			_ = s.closeFiles()
			return nil, fmt.Errorf("%w: %q", model.ErrUnknownFormat, format)
		}
		name := cfg.Prefix + format.ext()
		f, err := root.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			_ = s.closeFiles()
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		o := &output{format: format, name: name, f: f}
		s.outputs = append(s.outputs, o)
		if format == FormatCSV {
			info, err := f.Stat()
			if err != nil {
				_ = s.closeFiles()
				return nil, fmt.Errorf("stat %s: %w", name, err)
			}
			o.header = info.Size() == 0
		}
	}
	return s, nil
}

// Record buffers a successful outcome, other outcomes are ignored.
func (s *Sink) Record(o model.Outcome) error {
	if s.root == nil {
		return model.ErrSinkClosed
	}
	if !o.OK() {
		return nil
	}
	s.buf = append(s.buf, o)
	if len(s.buf) >= s.cfg.Buffer {
		return s.Flush()
	}
	return nil
}

// Flush writes the buffered records to every file and syncs them. On error
// the buffer is kept and the next Flush continues where this one stopped.
func (s *Sink) Flush() error {
	if s.root == nil {
		return model.ErrSinkClosed
	}
	if len(s.buf) == 0 {
		return nil
	}
	for _, o := range s.outputs {
		if o.written == len(s.buf) {
			continue
		}
		b, err := s.encode(o, s.buf[o.written:])
		if err != nil {
			return fmt.Errorf("encoding %s: %w", o.name, err)
		}
		if _, err := o.f.Write(b); err != nil {
			return fmt.Errorf("writing %s: %w", o.name, err)
		}
		if err := o.f.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", o.name, err)
		}
		o.written = len(s.buf)
		o.header = false
	}

	s.count += len(s.buf)
	s.buf = s.buf[:0]
	for _, o := range s.outputs {
		o.written = 0
	}
	return nil
}

type record struct {
	Target    string    `json:"target"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
	RunID     string    `json:"run_id,omitempty"`
}

func (s *Sink) encode(o *output, outcomes []model.Outcome) ([]byte, error) {
	var buf bytes.Buffer
	switch o.format {
	case FormatList:
		for _, oc := range outcomes {
			buf.WriteString(oc.Target)
			buf.WriteByte('\n')
		}
	case FormatJSONL:
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		for _, oc := range outcomes {
			if err := enc.Encode(record{
				Target:    oc.Target,
				Detail:    oc.Detail,
				Timestamp: timestamp(oc),
				Attempt:   oc.Attempt,
				RunID:     s.cfg.RunID,
			}); err != nil {
				return nil, err
			}
		}
	case FormatCSV:
		w := csv.NewWriter(&buf)
		if o.header {
			_ = w.Write([]string{"target", "detail", "timestamp"})
		}
		for _, oc := range outcomes {
			_ = w.Write([]string{oc.Target, oc.Detail, timestamp(oc).Format(time.RFC3339)})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownFormat, o.format)
	}
	return buf.Bytes(), nil
}

func timestamp(o model.Outcome) time.Time {
	if o.Finished.IsZero() {
		return time.Now().UTC()
	}
	return o.Finished.UTC()
}

// Count returns the number of records written to disk.
func (s *Sink) Count() int {
	return s.count
}

// Pending returns the number of buffered records.
func (s *Sink) Pending() int {
	return len(s.buf)
}

// Files returns the names of the result files relative to the output directory.
func (s *Sink) Files() []string {
	ret := make([]string, len(s.outputs))
	for i, o := range s.outputs {
		ret[i] = o.name
	}
	return ret
}

// Close flushes the buffer and closes all files.
func (s *Sink) Close() error {
	if s.root == nil {
		return model.ErrSinkClosed
	}
	err := s.Flush()
	return errors.Join(err, s.closeFiles())
}

func (s *Sink) closeFiles() error {
	var errs []error
	for _, o := range s.outputs {
		errs = append(errs, o.f.Close())
	}
	s.outputs = nil
	errs = append(errs, s.root.Close())
	s.root = nil
	return errors.Join(errs...)
}
