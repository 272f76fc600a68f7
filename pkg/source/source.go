// Package source loads decoded trace exports into types.Trace values.
//
// An export is a JSON or YAML document with a "processes" and an "intervals"
// list, optionally gzip or zstd compressed.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srodi/procgroup/pkg/types"
)

var (
	// ErrDuplicateKey is returned when two processes in one export carry the same key.
	ErrDuplicateKey = types.ErrDuplicateKey
	// ErrEmpty is returned for an export with no content.
	ErrEmpty = errors.New("empty trace export")
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type document struct {
	Processes []processDoc  `json:"processes" yaml:"processes"`
	Intervals []intervalDoc `json:"intervals" yaml:"intervals"`
}

type processDoc struct {
	Key         *uint64 `json:"key" yaml:"key"`
	PID         uint32  `json:"pid" yaml:"pid"`
	PPID        uint32  `json:"ppid" yaml:"ppid"`
	Image       string  `json:"image" yaml:"image"`
	CommandLine *string `json:"command_line" yaml:"command_line"`
	ExePath     string  `json:"exe_path" yaml:"exe_path"`
}

type intervalDoc struct {
	Process        *uint64  `json:"process" yaml:"process"`
	PID            *uint32  `json:"pid" yaml:"pid"`
	DurationNs     uint64   `json:"duration_ns" yaml:"duration_ns"`
	Stack          []string `json:"stack" yaml:"stack"`
	SwitchOutImage string   `json:"switch_out_image" yaml:"switch_out_image"`
}

// Loader reads trace exports from disk.
type Loader struct {
	logger logrus.FieldLogger
}

// NewLoader returns a Loader logging through logger.
func NewLoader(logger logrus.FieldLogger) *Loader {
	return &Loader{logger: logger.WithField("component", "source")}
}

// Load reads, decompresses and decodes the export at path. The trace is named
// after the file.
func (l *Loader) Load(ctx context.Context, path string) (*types.Trace, error) {
	data, release, err := readMapped(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer func() {
		if err := release(); err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("failed to release trace mapping")
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trace, err := l.Decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return trace, nil
}

// Decode parses an export held in memory. name picks the format by extension
// when it is .json, .yaml or .yml (compression suffixes are ignored); other
// names are sniffed.
func (l *Loader) Decode(name string, data []byte) (*types.Trace, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmpty
	}

	var doc document
	if isYAML(name, raw) {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	}
	return l.convert(name, doc)
}

func decompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("read gzip: %w", err)
		}
		return out, nil
	case bytes.HasPrefix(data, zstdMagic):
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("open zstd: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("read zstd: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

func isYAML(name string, raw []byte) bool {
	base := strings.ToLower(filepath.Base(name))
	for _, suffix := range []string{".gz", ".zst", ".zstd"} {
		base = strings.TrimSuffix(base, suffix)
	}
	switch filepath.Ext(base) {
	case ".yaml", ".yml":
		return true
	case ".json":
		return false
	}
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] != '{'
}

func (l *Loader) convert(name string, doc document) (*types.Trace, error) {
	trace := &types.Trace{
		Name:      name,
		Processes: make([]types.ProcessRecord, 0, len(doc.Processes)),
		Intervals: make([]types.IntervalRecord, 0, len(doc.Intervals)),
	}

	// Keys issued for records without one continue after the largest
	// explicit key so the two never collide.
	var next uint64
	for _, p := range doc.Processes {
		if p.Key != nil && *p.Key >= next {
			next = *p.Key + 1
		}
	}

	seen := make(map[uint64]struct{}, len(doc.Processes))
	byPID := make(map[uint32][]uint64)
	for _, p := range doc.Processes {
		key := next
		if p.Key != nil {
			key = *p.Key
		} else {
			next++
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateKey, key)
		}
		seen[key] = struct{}{}

		rec := types.ProcessRecord{
			Key:       key,
			PID:       p.PID,
			ParentPID: p.PPID,
			ImageName: p.Image,
			ExePath:   p.ExePath,
		}
		if p.CommandLine != nil {
			rec.CommandLine = *p.CommandLine
		}
		trace.Processes = append(trace.Processes, rec)
		byPID[p.PID] = append(byPID[p.PID], key)
	}

	var unresolved int
	for _, iv := range doc.Intervals {
		rec := types.IntervalRecord{
			Process:        iv.Process,
			DurationNs:     iv.DurationNs,
			Stack:          iv.Stack,
			SwitchOutImage: iv.SwitchOutImage,
		}
		if rec.Process == nil && iv.PID != nil {
			keys := byPID[*iv.PID]
			switch {
			case len(keys) == 0:
				unresolved++
			default:
				if len(keys) > 1 {
					l.logger.WithFields(logrus.Fields{"pid": *iv.PID, "records": len(keys)}).
						Debug("interval references a reused pid, attributing to the latest record")
				}
				rec.Process = types.KeyPtr(keys[len(keys)-1])
			}
		}
		trace.Intervals = append(trace.Intervals, rec)
	}
	if unresolved > 0 {
		l.logger.WithFields(logrus.Fields{"trace": name, "intervals": unresolved}).
			Debug("intervals reference pids with no process record")
	}

	l.logger.WithFields(logrus.Fields{
		"trace":     name,
		"processes": len(trace.Processes),
		"intervals": len(trace.Intervals),
	}).Debug("decoded trace export")
	return trace, nil
}
