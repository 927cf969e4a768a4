//go:build linux && (arm || arm64)

package alert

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openGPIO requests BCM pin as an output line, initially low, through the
// GPIO character device.
func openGPIO(pin int) (Output, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("alert: invalid gpio pin %d", pin)
	}
	lineName := fmt.Sprintf("GPIO%d", pin)

	chips := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			chips = append(chips, filepath.Join("/dev", e.Name()))
		}
	}

	for _, path := range chips {
		chip, err := gpiocdev.NewChip(path)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("fallsense-alert"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpioLine{chip: chip, line: line}, nil
	}
	return nil, fmt.Errorf("alert: gpio line %q not found (or busy)", lineName)
}

var openGPIOFn = openGPIO

type gpioLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpioLine) Set(on bool) error {
	if g == nil || g.line == nil {
		return fmt.Errorf("alert: gpio line not open")
	}
	v := 0
	if on {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpioLine) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	_ = g.line.SetValue(0)
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
