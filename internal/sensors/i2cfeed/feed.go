// Package i2cfeed polls an ICM-20948 and a BMP280 on a Linux I2C bus and
// delivers their readings as a sensor.Feed.
package i2cfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fallsense/internal/i2c"
	"fallsense/internal/sensor"
	"fallsense/internal/sensors/bmp280"
	"fallsense/internal/sensors/icm20948"
)

type Config struct {
	Bus      int
	IMUAddr  uint16
	BaroAddr uint16
	IMUHz    float64
	BaroHz   float64

	// The barometer is re-initialized after BaroReinitAfter consecutive
	// failures, at most once per BaroReinitEvery.
	BaroReinitAfter int
	BaroReinitEvery time.Duration
	// The stream ends after IMUFailLimit consecutive IMU read failures.
	IMUFailLimit int
}

func (c Config) withDefaults() Config {
	if c.Bus == 0 {
		c.Bus = 1
	}
	if c.IMUAddr == 0 {
		c.IMUAddr = icm20948.DefaultAddress()
	}
	if c.BaroAddr == 0 {
		c.BaroAddr = bmp280.DefaultAddress()
	}
	if c.IMUHz <= 0 {
		c.IMUHz = 30
	}
	if c.BaroHz <= 0 {
		c.BaroHz = 5
	}
	if c.BaroReinitAfter <= 0 {
		c.BaroReinitAfter = 10
	}
	if c.BaroReinitEvery == 0 {
		c.BaroReinitEvery = 2 * time.Second
	}
	if c.IMUFailLimit <= 0 {
		c.IMUFailLimit = 50
	}
	return c
}

type IMU interface {
	Read() (icm20948.Reading, error)
}

type Barometer interface {
	ReadSample(at time.Time) (sensor.Sample, error)
}

// Hardware opens the devices behind the feed.
type Hardware interface {
	OpenIMU() (IMU, error)
	OpenBaro() (Barometer, error)
	Close() error
}

type busHardware struct {
	bus *i2c.Bus
	cfg Config
}

func openBus(cfg Config) (Hardware, error) {
	bus, err := i2c.Open(i2c.BusPath(cfg.Bus))
	if err != nil {
		return nil, err
	}
	return &busHardware{bus: bus, cfg: cfg}, nil
}

func (h *busHardware) OpenIMU() (IMU, error) {
	dev := h.bus.Dev(h.cfg.IMUAddr)
	if !icm20948.Detect(dev) {
		return nil, fmt.Errorf("no ICM-20948 at 0x%02X", h.cfg.IMUAddr)
	}
	return icm20948.New(dev, icm20948.Config{SampleHz: h.cfg.IMUHz})
}

func (h *busHardware) OpenBaro() (Barometer, error) {
	dev := h.bus.Dev(h.cfg.BaroAddr)
	if !bmp280.Detect(dev) {
		return nil, fmt.Errorf("no BMP280 at 0x%02X", h.cfg.BaroAddr)
	}
	return bmp280.New(dev)
}

func (h *busHardware) Close() error { return h.bus.Close() }

type Option func(*Feed)

func WithHardware(open func(Config) (Hardware, error)) Option {
	return func(f *Feed) { f.openHW = open }
}

func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

type Feed struct {
	cfg    Config
	log    *zap.Logger
	openHW func(Config) (Hardware, error)
	now    func() time.Time

	mu     sync.Mutex
	probed bool
	hw     Hardware
	imu    IMU
	baro   Barometer
}

func New(cfg Config, log *zap.Logger, opts ...Option) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Feed{cfg: cfg.withDefaults(), log: log, openHW: openBus, now: time.Now}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Probe opens the bus once and reports which devices answered.
func (f *Feed) Probe() sensor.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.probed {
		f.probeLocked()
	}
	return sensor.Capabilities{Gyro: f.imu != nil, Accel: f.imu != nil, Baro: f.baro != nil}
}

func (f *Feed) probeLocked() {
	f.probed = true
	hw, err := f.openHW(f.cfg)
	if err != nil {
		f.log.Warn("i2c bus unavailable", zap.Int("bus", f.cfg.Bus), zap.Error(err))
		return
	}
	f.hw = hw
	if imu, err := hw.OpenIMU(); err != nil {
		f.log.Warn("imu not detected", zap.Error(err))
	} else {
		f.imu = imu
	}
	if baro, err := hw.OpenBaro(); err != nil {
		f.log.Warn("barometer not detected", zap.Error(err))
	} else {
		f.baro = baro
	}
}

func (f *Feed) Open(ctx context.Context) (sensor.Stream, error) {
	f.Probe()
	f.mu.Lock()
	imu, baro := f.imu, f.baro
	f.mu.Unlock()
	if imu == nil && baro == nil {
		return nil, fmt.Errorf("i2cfeed: no devices on bus %d: %w", f.cfg.Bus, sensor.ErrUnsupported)
	}

	p := sensor.NewPipe(64)
	pctx, cancel := context.WithCancel(ctx)
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		cancel()
	}
	if imu != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(f.pollIMU(pctx, p, imu))
		}()
	}
	if baro != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(f.pollBaro(pctx, p, baro))
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		err := firstErr
		if err == nil {
			err = ctx.Err()
		}
		p.Finish(err)
	}()
	return p, nil
}

// Close releases the bus.
func (f *Feed) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hw == nil {
		return nil
	}
	err := f.hw.Close()
	f.hw = nil
	return err
}

func period(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}

func (f *Feed) pollIMU(ctx context.Context, p *sensor.Pipe, imu IMU) error {
	t := time.NewTicker(period(f.cfg.IMUHz))
	defer t.Stop()
	fails := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.Done():
			return nil
		case <-t.C:
		}
		r, err := imu.Read()
		if err != nil {
			fails++
			if fails == 1 {
				f.log.Warn("imu read failed", zap.Error(err))
			}
			if fails >= f.cfg.IMUFailLimit {
				return fmt.Errorf("i2cfeed: imu: %d consecutive failures: %w", fails, err)
			}
			continue
		}
		fails = 0
		a, g := r.Samples(f.now())
		if !p.Send(ctx, a) || !p.Send(ctx, g) {
			return nil
		}
	}
}

func (f *Feed) pollBaro(ctx context.Context, p *sensor.Pipe, baro Barometer) error {
	t := time.NewTicker(period(f.cfg.BaroHz))
	defer t.Stop()
	var fails int
	var lastReinit time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.Done():
			return nil
		case <-t.C:
		}
		s, err := baro.ReadSample(f.now())
		if err != nil {
			fails++
			if fails == 1 {
				f.log.Warn("barometer read failed", zap.Error(err))
			}
			if fails >= f.cfg.BaroReinitAfter && time.Since(lastReinit) >= f.cfg.BaroReinitEvery {
				lastReinit = time.Now()
				if b, reErr := f.reopenBaro(); reErr == nil {
					baro = b
					fails = 0
					f.log.Info("barometer re-initialized")
				} else {
					f.log.Warn("barometer reinit failed", zap.Error(reErr))
				}
			}
			continue
		}
		fails = 0
		if !p.Send(ctx, s) {
			return nil
		}
	}
}

func (f *Feed) reopenBaro() (Barometer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hw == nil {
		return nil, errors.New("i2cfeed: bus closed")
	}
	b, err := f.hw.OpenBaro()
	if err != nil {
		return nil, err
	}
	f.baro = b
	return b, nil
}
