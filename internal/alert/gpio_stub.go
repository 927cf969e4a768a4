//go:build !linux || (!arm && !arm64)

package alert

import "fmt"

func openGPIO(pin int) (Output, error) {
	return nil, fmt.Errorf("alert: gpio unsupported on this platform (pin %d)", pin)
}

var openGPIOFn = openGPIO
