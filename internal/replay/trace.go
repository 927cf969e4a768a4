// Package replay records raw sensor samples to a line-oriented trace and
// plays traces back with their original timing.
package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"fallsense/internal/opt"
	"fallsense/internal/sensor"
)

// Trace format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" resets the origin (next record time is relative to 0 again).
// - Data lines are: <t_ns>,<kind>,<values...>
//   gyro:  <t_ns>,gyro,<x rad/s>,<y>,<z>
//   accel: <t_ns>,accel,<x g>,<y>,<z>
//   baro:  <t_ns>,baro,<pressure>[,<rel_alt_m>]

var ErrClosed = errors.New("replay: writer is closed")

// Record is one trace line. Start markers carry no sample; Sample.At is left
// zero and At holds the offset from the segment origin.
type Record struct {
	At     time.Duration
	Start  bool
	Sample sensor.Sample
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Start: true})
			continue
		}
		r, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: %w", lineNo, err)
		}
		recs = append(recs, r)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseLine(line string) (Record, error) {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 3 {
		return Record{}, fmt.Errorf("invalid trace line (too few fields): %q", line)
	}

	tsNs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid timestamp %q: %w", fields[0], err)
	}
	if tsNs < 0 {
		return Record{}, fmt.Errorf("invalid timestamp (negative): %d", tsNs)
	}
	kind, err := sensor.ParseKind(fields[1])
	if err != nil {
		return Record{}, err
	}

	vals := make([]float64, 0, 3)
	for _, f := range fields[2:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Record{}, fmt.Errorf("invalid value %q: %w", f, err)
		}
		vals = append(vals, v)
	}

	r := Record{At: time.Duration(tsNs)}
	switch kind {
	case sensor.KindGyro, sensor.KindAccel:
		if len(vals) != 3 {
			return Record{}, fmt.Errorf("%s needs 3 values, got %d", kind, len(vals))
		}
		r.Sample = sensor.Sample{Kind: kind, Vec: sensor.Vec3{X: vals[0], Y: vals[1], Z: vals[2]}}
	case sensor.KindBaro:
		if len(vals) < 1 || len(vals) > 2 {
			return Record{}, fmt.Errorf("baro needs 1 or 2 values, got %d", len(vals))
		}
		r.Sample = sensor.Baro(time.Time{}, vals[0])
		if len(vals) == 2 {
			r.Sample.RelAltM = opt.Some(vals[1])
		}
	}
	return r, nil
}

// Samples lays the records out on an absolute timeline starting at base.
// Each START segment continues where the previous one ended.
func Samples(records []Record, base time.Time) []sensor.Sample {
	out := make([]sensor.Sample, 0, len(records))
	segBase := base
	last := base
	for _, r := range records {
		if r.Start {
			segBase = last
			continue
		}
		s := r.Sample
		s.At = segBase.Add(r.At)
		if s.At.After(last) {
			last = s.At
		}
		out = append(out, s)
	}
	return out
}

type Writer struct {
	f       *os.File
	w       *bufio.Writer
	start   time.Time
	started bool
	closed  bool
}

// CreateWriter opens path for a new trace. Sample times are written relative
// to the first sample.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw}, nil
}

func (ww *Writer) WriteSample(s sensor.Sample) error {
	if ww.closed {
		return ErrClosed
	}
	if !ww.started {
		ww.start, ww.started = s.At, true
	}
	d := s.At.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	var err error
	switch s.Kind {
	case sensor.KindGyro, sensor.KindAccel:
		_, err = fmt.Fprintf(ww.w, "%d,%s,%s,%s,%s\n", d.Nanoseconds(), s.Kind,
			fmtFloat(s.Vec.X), fmtFloat(s.Vec.Y), fmtFloat(s.Vec.Z))
	case sensor.KindBaro:
		if alt, ok := s.RelAltM.Get(); ok {
			_, err = fmt.Fprintf(ww.w, "%d,baro,%s,%s\n", d.Nanoseconds(), fmtFloat(s.Pressure), fmtFloat(alt))
		} else {
			_, err = fmt.Fprintf(ww.w, "%d,baro,%s\n", d.Nanoseconds(), fmtFloat(s.Pressure))
		}
	default:
		return fmt.Errorf("replay: cannot write %s sample", s.Kind)
	}
	return err
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}
