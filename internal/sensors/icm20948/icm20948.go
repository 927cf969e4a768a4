// Package icm20948 reads accelerometer and gyroscope data from an ICM-20948
// over I2C.
package icm20948

import (
	"fmt"
	"math"
	"time"

	"fallsense/internal/i2c"
	"fallsense/internal/sensor"
)

var sleep = time.Sleep

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D // contiguous accel+gyro block

	// Bank 2.
	bank2            = 2
	regGyroSmplrt    = 0x00
	regGyroConfig1   = 0x01
	regAccelSmplrt1  = 0x10
	regAccelSmplrt2  = 0x11
	regAccelConfig   = 0x14
	internalRateHz   = 1125.0
	maxSmplrtDivider = 0xFF
)

// Falls peak well above 4 g and 250 dps, so the defaults are wide.
const (
	DefaultAccelRangeG   = 8
	DefaultGyroRangeDegS = 2000
	DefaultSampleHz      = 100
)

type Config struct {
	AccelRangeG   int // 2, 4, 8 or 16
	GyroRangeDegS int // 250, 500, 1000 or 2000
	SampleHz      float64
}

func (c Config) withDefaults() Config {
	if c.AccelRangeG == 0 {
		c.AccelRangeG = DefaultAccelRangeG
	}
	if c.GyroRangeDegS == 0 {
		c.GyroRangeDegS = DefaultGyroRangeDegS
	}
	if c.SampleHz <= 0 {
		c.SampleHz = DefaultSampleHz
	}
	return c
}

func accelCode(g int) (byte, error) {
	switch g {
	case 2:
		return 0, nil
	case 4:
		return 1, nil
	case 8:
		return 2, nil
	case 16:
		return 3, nil
	}
	return 0, fmt.Errorf("icm20948: unsupported accel range %dg", g)
}

func gyroCode(dps int) (byte, error) {
	switch dps {
	case 250:
		return 0, nil
	case 500:
		return 1, nil
	case 1000:
		return 2, nil
	case 2000:
		return 3, nil
	}
	return 0, fmt.Errorf("icm20948: unsupported gyro range %d dps", dps)
}

// Reading is one accel+gyro burst.
type Reading struct {
	// Accel in g, gravity included.
	Accel sensor.Vec3
	// Gyro in rad/s.
	Gyro sensor.Vec3
}

// Samples splits r into the accel and gyro samples the estimators consume.
func (r Reading) Samples(at time.Time) (sensor.Sample, sensor.Sample) {
	return sensor.Accel(at, r.Accel.X, r.Accel.Y, r.Accel.Z),
		sensor.Gyro(at, r.Gyro.X, r.Gyro.Y, r.Gyro.Z)
}

type Device struct {
	dev regIO
	cfg Config

	curBank byte
	// Per-LSB scales for the configured full-scale ranges.
	scaleAccel float64
	scaleGyro  float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

// Detect reports whether the WHO_AM_I register identifies an ICM-20948.
func Detect(dev *i2c.Dev) bool {
	if dev == nil {
		return false
	}
	who, err := dev.ReadRegU8(regWhoAmI)
	return err == nil && who == whoAmIVal
}

func New(dev *i2c.Dev, cfg Config) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev, cfg)
}

func newWithIO(dev regIO, cfg Config) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{dev: dev, cfg: cfg.withDefaults(), curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	ac, err := accelCode(d.cfg.AccelRangeG)
	if err != nil {
		return err
	}
	gc, err := gyroCode(d.cfg.GyroRangeDegS)
	if err != nil {
		return err
	}

	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset returns the chip to bank 0.
	d.curBank = 0

	// Wake with the auto-selected PLL clock.
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}

	// Output rate is 1125/(div+1) Hz for both sensors.
	div := math.Round(internalRateHz/d.cfg.SampleHz - 1)
	div = math.Max(0, math.Min(maxSmplrtDivider, div))
	_ = d.dev.WriteReg(regGyroSmplrt, byte(div))
	_ = d.dev.WriteReg(regAccelSmplrt1, 0x00)
	_ = d.dev.WriteReg(regAccelSmplrt2, byte(div))

	// FS_SEL lives in bits [2:1]; bit 0 enables the digital low-pass filter.
	if err := d.dev.WriteReg(regGyroConfig1, gc<<1|0x01); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, ac<<1|0x01); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}

	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = float64(d.cfg.AccelRangeG) / 32768.0
	d.scaleGyro = float64(d.cfg.GyroRangeDegS) / 32768.0 * math.Pi / 180
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Reading, error) {
	if d == nil {
		return Reading{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Reading{}, err
	}

	buf := make([]byte, 12)
	if err := d.dev.ReadReg(regAccelXoutH, buf); err != nil {
		return Reading{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}

	word := func(i int) float64 { return float64(int16(buf[i])<<8 | int16(buf[i+1])) }
	return Reading{
		Accel: sensor.Vec3{X: word(0) * d.scaleAccel, Y: word(2) * d.scaleAccel, Z: word(4) * d.scaleAccel},
		Gyro:  sensor.Vec3{X: word(6) * d.scaleGyro, Y: word(8) * d.scaleGyro, Z: word(10) * d.scaleGyro},
	}, nil
}
