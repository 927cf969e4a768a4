package main

import (
	"time"

	"fallsense/internal/fall"
	"fallsense/internal/monitor"
	"fallsense/internal/sensor"
)

type estimatorStatus struct {
	Support string   `json:"support"`
	Frozen  bool     `json:"frozen"`
	Value   *float64 `json:"value,omitempty"`
}

func estimator(sup sensor.Support, frozen bool, v float64, ok bool) estimatorStatus {
	e := estimatorStatus{Support: sup.String(), Frozen: frozen}
	if ok {
		e.Value = &v
	}
	return e
}

// status is printed by the "status" command.
type status struct {
	NowUTC       string          `json:"now_utc"`
	UptimeSec    int64           `json:"uptime_sec"`
	Running      bool            `json:"running"`
	StreamEnded  bool            `json:"stream_ended"`
	State        string          `json:"state"`
	FallDetected bool            `json:"fall_detected"`
	LastEvent    *fall.Event     `json:"last_event,omitempty"`
	Samples      uint64          `json:"samples"`
	Ticks        uint64          `json:"ticks"`
	LastError    string          `json:"last_error,omitempty"`
	Gyro         estimatorStatus `json:"gyro"`
	Accel        estimatorStatus `json:"accel"`
	Baro         estimatorStatus `json:"baro"`
}

// statusOf flattens a monitor snapshot. Estimator values are: gyro angle
// about X (deg), accel linear magnitude (m/s^2), baro relative altitude (m).
func statusOf(s monitor.Snapshot, nowUTC time.Time) status {
	st := status{
		NowUTC:       nowUTC.UTC().Format(time.RFC3339Nano),
		Running:      s.Running,
		StreamEnded:  s.StreamEnded,
		State:        s.Fall.State.String(),
		FallDetected: s.Fall.FallDetected,
		LastEvent:    s.Fall.LastEvent,
		Samples:      s.Samples,
		Ticks:        s.Ticks,
		LastError:    s.LastError,
	}
	ang, ok := s.Gyro.Angle.Get()
	st.Gyro = estimator(s.Gyro.Supported, s.Gyro.Frozen, ang.X, ok)
	lin, ok := s.Accel.Linear.Get()
	st.Accel = estimator(s.Accel.Supported, s.Accel.Frozen, lin.Mag, ok)
	alt, ok := s.Baro.RelAltM.Get()
	st.Baro = estimator(s.Baro.Supported, s.Baro.Frozen, alt, ok)
	if !s.StartedAt.IsZero() {
		st.UptimeSec = int64(nowUTC.Sub(s.StartedAt).Seconds())
	}
	return st
}
