package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"fallsense/internal/config"
	"fallsense/internal/pipeline"
	"fallsense/internal/replay"
	"fallsense/internal/sensor"
	"fallsense/internal/sim"
)

// traceEpoch anchors offline timelines.
var traceEpoch = time.Unix(0, 0).UTC()

type traceSummary struct {
	Segments    int
	Samples     int
	MaxDuration time.Duration
	KindCounts  map[sensor.Kind]int
	AccelMinG   float64
	AccelMaxG   float64
	hasAccel    bool
}

func summarizeTrace(records []replay.Record) traceSummary {
	s := traceSummary{KindCounts: map[sensor.Kind]int{}}
	segments := 0
	for _, r := range records {
		if r.Start {
			segments++
			continue
		}
		s.Samples++
		if r.At > s.MaxDuration {
			s.MaxDuration = r.At
		}
		s.KindCounts[r.Sample.Kind]++
		if r.Sample.Kind != sensor.KindAccel {
			continue
		}
		n := r.Sample.Vec.Norm()
		if !s.hasAccel {
			s.AccelMinG, s.AccelMaxG, s.hasAccel = n, n, true
			continue
		}
		s.AccelMinG = math.Min(s.AccelMinG, n)
		s.AccelMaxG = math.Max(s.AccelMaxG, n)
	}
	if segments == 0 && s.Samples > 0 {
		segments = 1
	}
	s.Segments = segments
	return s
}

func readTrace(path string) ([]replay.Record, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return replay.NewReader(f).ReadAll()
}

func printTraceSummary(w io.Writer, path string) error {
	recs, err := readTrace(path)
	if err != nil {
		return err
	}
	s := summarizeTrace(recs)

	fmt.Fprintf(w, "path: %s\n", strings.TrimSpace(path))
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "samples: %d\n", s.Samples)
	fmt.Fprintf(w, "max_segment_duration: %s\n", s.MaxDuration)
	for _, k := range []sensor.Kind{sensor.KindGyro, sensor.KindAccel, sensor.KindBaro} {
		fmt.Fprintf(w, "%s_samples: %d\n", k, s.KindCounts[k])
	}
	if s.hasAccel {
		fmt.Fprintf(w, "accel_magnitude_g: %.3f..%.3f\n", s.AccelMinG, s.AccelMaxG)
	}
	return nil
}

func renderScenario(scriptPath, outPath string) error {
	scn, err := sim.LoadScenario(scriptPath)
	if err != nil {
		return err
	}
	w, err := replay.CreateWriter(outPath)
	if err != nil {
		return err
	}
	for _, s := range scn.Render(traceEpoch) {
		if err := w.WriteSample(s); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

// evalTrace runs a recorded trace through the detector on a virtual clock
// and prints every state change.
func evalTrace(w io.Writer, cfg config.Config, path string) error {
	recs, err := readTrace(path)
	if err != nil {
		return err
	}
	samples := replay.Samples(recs, traceEpoch)

	p := pipeline.New(cfg.Pipeline())
	p.SetCapabilities(replay.NewFeed(recs, 1, false).Probe())
	res := p.Run(samples, cfg.Monitor.Tick, 6*time.Second)

	for _, t := range res.Transitions {
		fmt.Fprintf(w, "%s %s -> %s\n", t.At.Sub(traceEpoch), t.From, t.To)
	}
	fmt.Fprintf(w, "ticks: %d\n", res.Ticks)
	fmt.Fprintf(w, "falls: %d\n", res.Falls)
	fmt.Fprintf(w, "final_state: %s\n", res.Final.Fall.State)
	return nil
}
