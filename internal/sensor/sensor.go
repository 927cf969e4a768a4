// Package sensor defines the raw sample stream consumed by the estimators and
// the capability/subscription contract a platform feed must satisfy.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"fallsense/internal/opt"
)

var ErrUnsupported = errors.New("sensor: capability not available")

type Kind int

const (
	KindGyro Kind = iota + 1
	KindAccel
	KindBaro
)

func (k Kind) String() string {
	switch k {
	case KindGyro:
		return "gyro"
	case KindAccel:
		return "accel"
	case KindBaro:
		return "baro"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "gyro":
		return KindGyro, nil
	case "accel":
		return KindAccel, nil
	case "baro":
		return KindBaro, nil
	}
	return 0, fmt.Errorf("sensor: unknown kind %q", s)
}

type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{v.X * k, v.Y * k, v.Z * k}
}

// Sample is one reading from one capability.
//
//   - KindGyro: Vec is angular velocity in rad/s.
//   - KindAccel: Vec is specific force in g (gravity included).
//   - KindBaro: Pressure is in Pa or hPa (normalized by the altimeter);
//     RelAltM is an optional platform-computed relative altitude.
type Sample struct {
	Kind     Kind
	At       time.Time
	Vec      Vec3
	Pressure float64
	RelAltM  opt.Value[float64]
}

func Gyro(at time.Time, x, y, z float64) Sample {
	return Sample{Kind: KindGyro, At: at, Vec: Vec3{x, y, z}}
}

func Accel(at time.Time, x, y, z float64) Sample {
	return Sample{Kind: KindAccel, At: at, Vec: Vec3{x, y, z}}
}

func Baro(at time.Time, pressure float64) Sample {
	return Sample{Kind: KindBaro, At: at, Pressure: pressure}
}

// Capabilities reports which sample streams a platform can deliver.
type Capabilities struct {
	Gyro  bool
	Accel bool
	Baro  bool
}

func (c Capabilities) Has(k Kind) bool {
	switch k {
	case KindGyro:
		return c.Gyro
	case KindAccel:
		return c.Accel
	case KindBaro:
		return c.Baro
	}
	return false
}

// Support is a tri-state capability flag: unknown until probed.
type Support int

const (
	SupportUnknown Support = iota
	Supported
	Unsupported
)

func SupportOf(ok bool) Support {
	if ok {
		return Supported
	}
	return Unsupported
}

func (s Support) String() string {
	switch s {
	case Supported:
		return "supported"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}
