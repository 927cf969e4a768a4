package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fallsense/internal/accel"
	"fallsense/internal/baro"
	"fallsense/internal/fall"
	"fallsense/internal/gyro"
	"fallsense/internal/monitor"
	"fallsense/internal/pipeline"
)

const (
	FeedI2C      = "i2c"
	FeedReplay   = "replay"
	FeedScenario = "scenario"
)

type Config struct {
	Monitor  MonitorConfig  `yaml:"monitor"`
	Gyro     GyroConfig     `yaml:"gyro"`
	Accel    AccelConfig    `yaml:"accel"`
	Baro     BaroConfig     `yaml:"baro"`
	Fall     FallConfig     `yaml:"fall"`
	I2C      I2CConfig      `yaml:"i2c"`
	Replay   ReplayConfig   `yaml:"replay"`
	Scenario ScenarioConfig `yaml:"scenario"`
	Alert    AlertConfig    `yaml:"alert"`
	Log      LogConfig      `yaml:"log"`
}

type MonitorConfig struct {
	Tick time.Duration `yaml:"tick"`
	Feed string        `yaml:"feed"`
}

type GyroConfig struct {
	Hz            float64       `yaml:"hz"`
	EmitHz        float64       `yaml:"emit_hz"`
	Alpha         float64       `yaml:"alpha"`
	DeadbandDeg   float64       `yaml:"deadband_deg"`
	RoundToDeg    float64       `yaml:"round_to_deg"`
	StillOmega    float64       `yaml:"still_omega"`
	UnfreezeOmega float64       `yaml:"unfreeze_omega"`
	StillHold     time.Duration `yaml:"still_hold"`
	ClampDeg      float64       `yaml:"clamp_deg"`
}

type AccelConfig struct {
	Hz             float64       `yaml:"hz"`
	EmitHz         float64       `yaml:"emit_hz"`
	Alpha          float64       `yaml:"alpha"`
	GravityAlpha   float64       `yaml:"gravity_alpha"`
	DeadbandG      float64       `yaml:"deadband_g"`
	StillLinear    float64       `yaml:"still_linear"`
	UnfreezeLinear float64       `yaml:"unfreeze_linear"`
	Hold           time.Duration `yaml:"hold"`
	WindowSize     int           `yaml:"window_size"`
}

type BaroConfig struct {
	Hz          float64       `yaml:"hz"`
	EmitHz      float64       `yaml:"emit_hz"`
	Alpha       float64       `yaml:"alpha"`
	DeadbandHpa float64       `yaml:"deadband_hpa"`
	StillHpa    float64       `yaml:"still_hpa"`
	UnfreezeHpa float64       `yaml:"unfreeze_hpa"`
	StillHold   time.Duration `yaml:"still_hold"`
}

type FallConfig struct {
	FreeFallG         float64       `yaml:"free_fall_g"`
	ImpactG           float64       `yaml:"impact_g"`
	GyroDegS          float64       `yaml:"gyro_deg_s"`
	BaroDescendM      float64       `yaml:"baro_descend_m"`
	ConfirmWindow     time.Duration `yaml:"confirm_window"`
	PostStill         time.Duration `yaml:"post_still"`
	PostStillLinear   float64       `yaml:"post_still_linear"`
	PostStillGyroDegS float64       `yaml:"post_still_gyro_deg_s"`
	ConfirmedTimeout  time.Duration `yaml:"confirmed_timeout"`
	PostHold          time.Duration `yaml:"post_hold"`
	BufferSize        int           `yaml:"buffer_size"`
	BaroWindow        int           `yaml:"baro_window"`
}

type I2CConfig struct {
	Bus      int `yaml:"bus"`
	IMUAddr  int `yaml:"imu_addr"`
	BaroAddr int `yaml:"baro_addr"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type ScenarioConfig struct {
	Path string `yaml:"path"`
	Loop bool   `yaml:"loop"`
}

type AlertConfig struct {
	Enable  bool            `yaml:"enable"`
	GPIOPin int             `yaml:"gpio_pin"`
	Pattern []time.Duration `yaml:"pattern"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	g := gyro.DefaultConfig()
	a := accel.DefaultConfig()
	b := baro.DefaultConfig()
	f := fall.DefaultConfig()
	return Config{
		Monitor: MonitorConfig{Tick: pipeline.DefaultTick, Feed: FeedI2C},
		Gyro: GyroConfig{
			Hz: 30, EmitHz: g.EmitHz, Alpha: g.Alpha, DeadbandDeg: g.DeadbandDeg,
			RoundToDeg: g.RoundToDeg, StillOmega: g.StillOmega, UnfreezeOmega: g.UnfreezeOmega,
			StillHold: g.StillHold, ClampDeg: g.ClampDeg,
		},
		Accel: AccelConfig{
			Hz: 30, EmitHz: a.EmitHz, Alpha: a.Alpha, GravityAlpha: a.GravityAlpha,
			DeadbandG: a.DeadbandG, StillLinear: a.StillLinear, UnfreezeLinear: a.UnfreezeLinear,
			Hold: a.Hold, WindowSize: a.WindowSize,
		},
		Baro: BaroConfig{
			Hz: 5, EmitHz: b.EmitHz, Alpha: b.Alpha, DeadbandHpa: b.DeadbandHpa,
			StillHpa: b.StillHpa, UnfreezeHpa: b.UnfreezeHpa, StillHold: b.StillHold,
		},
		Fall: FallConfig{
			FreeFallG: f.FreeFallG, ImpactG: f.ImpactG, GyroDegS: f.GyroDegS,
			BaroDescendM: f.BaroDescendM, ConfirmWindow: f.ConfirmWindow,
			PostStill: f.PostStill, PostStillLinear: f.PostStillLinear,
			PostStillGyroDegS: f.PostStillGyroDegS, ConfirmedTimeout: f.ConfirmedTimeout,
			PostHold: f.PostHold, BufferSize: f.BufferSize, BaroWindow: f.BaroWindow,
		},
		I2C:    I2CConfig{Bus: 1, IMUAddr: 0x68, BaroAddr: 0x76},
		Replay: ReplayConfig{Speed: 1},
		Alert:  AlertConfig{GPIOPin: 18},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(te.Errors, "; "))
		}
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Monitor.Tick <= 0 {
		return fmt.Errorf("monitor.tick must be > 0")
	}
	switch c.Monitor.Feed {
	case FeedI2C:
	case FeedReplay:
		if c.Replay.Path == "" {
			return fmt.Errorf("replay.path is required when monitor.feed is replay")
		}
		if c.Replay.Speed <= 0 {
			return fmt.Errorf("replay.speed must be > 0")
		}
	case FeedScenario:
		if c.Scenario.Path == "" {
			return fmt.Errorf("scenario.path is required when monitor.feed is scenario")
		}
	default:
		return fmt.Errorf("monitor.feed must be one of i2c, replay, scenario (got %q)", c.Monitor.Feed)
	}

	rates := []struct {
		name string
		v    float64
	}{
		{"gyro.hz", c.Gyro.Hz}, {"gyro.emit_hz", c.Gyro.EmitHz},
		{"accel.hz", c.Accel.Hz}, {"accel.emit_hz", c.Accel.EmitHz},
		{"baro.hz", c.Baro.Hz}, {"baro.emit_hz", c.Baro.EmitHz},
	}
	for _, r := range rates {
		if r.v <= 0 {
			return fmt.Errorf("%s must be > 0", r.name)
		}
	}

	alphas := []struct {
		name string
		v    float64
	}{
		{"gyro.alpha", c.Gyro.Alpha}, {"accel.alpha", c.Accel.Alpha},
		{"accel.gravity_alpha", c.Accel.GravityAlpha}, {"baro.alpha", c.Baro.Alpha},
	}
	for _, a := range alphas {
		if a.v <= 0 || a.v > 1 {
			return fmt.Errorf("%s must be in (0, 1]", a.name)
		}
	}

	if c.Gyro.UnfreezeOmega <= c.Gyro.StillOmega {
		return fmt.Errorf("gyro.unfreeze_omega must be greater than gyro.still_omega")
	}
	if c.Accel.UnfreezeLinear <= c.Accel.StillLinear {
		return fmt.Errorf("accel.unfreeze_linear must be greater than accel.still_linear")
	}
	if c.Baro.UnfreezeHpa <= c.Baro.StillHpa {
		return fmt.Errorf("baro.unfreeze_hpa must be greater than baro.still_hpa")
	}

	if c.Fall.BufferSize <= 0 || c.Fall.BaroWindow <= 0 {
		return fmt.Errorf("fall.buffer_size and fall.baro_window must be > 0")
	}
	if c.Fall.FreeFallG >= c.Fall.ImpactG {
		return fmt.Errorf("fall.free_fall_g must be below fall.impact_g")
	}

	if c.Alert.Enable && c.Alert.GPIOPin <= 0 {
		return fmt.Errorf("alert.gpio_pin must be > 0 when alert.enable is true")
	}
	return nil
}

// Pipeline converts the estimator and detector sections.
func (c Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Gyro: gyro.Config{
			Alpha: c.Gyro.Alpha, EmitHz: c.Gyro.EmitHz, DeadbandDeg: c.Gyro.DeadbandDeg,
			RoundToDeg: c.Gyro.RoundToDeg, StillOmega: c.Gyro.StillOmega,
			UnfreezeOmega: c.Gyro.UnfreezeOmega, StillHold: c.Gyro.StillHold, ClampDeg: c.Gyro.ClampDeg,
		},
		Accel: accel.Config{
			Alpha: c.Accel.Alpha, GravityAlpha: c.Accel.GravityAlpha, EmitHz: c.Accel.EmitHz,
			DeadbandG: c.Accel.DeadbandG, StillLinear: c.Accel.StillLinear,
			UnfreezeLinear: c.Accel.UnfreezeLinear, Hold: c.Accel.Hold, WindowSize: c.Accel.WindowSize,
		},
		Baro: baro.Config{
			Alpha: c.Baro.Alpha, EmitHz: c.Baro.EmitHz, DeadbandHpa: c.Baro.DeadbandHpa,
			StillHpa: c.Baro.StillHpa, UnfreezeHpa: c.Baro.UnfreezeHpa, StillHold: c.Baro.StillHold,
		},
		Fall: fall.Config{
			FreeFallG: c.Fall.FreeFallG, ImpactG: c.Fall.ImpactG, GyroDegS: c.Fall.GyroDegS,
			BaroDescendM: c.Fall.BaroDescendM, ConfirmWindow: c.Fall.ConfirmWindow,
			PostStill: c.Fall.PostStill, PostStillLinear: c.Fall.PostStillLinear,
			PostStillGyroDegS: c.Fall.PostStillGyroDegS, ConfirmedTimeout: c.Fall.ConfirmedTimeout,
			PostHold: c.Fall.PostHold, BufferSize: c.Fall.BufferSize, BaroWindow: c.Fall.BaroWindow,
		},
	}
}

// ServiceConfig converts the file into the monitor service configuration.
func (c Config) ServiceConfig() monitor.Config {
	return monitor.Config{Tick: c.Monitor.Tick, Pipeline: c.Pipeline()}
}
