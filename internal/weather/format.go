package weather

import (
	"fmt"
	"math"
)

const (
	UnitsMetric   = "metric"
	UnitsImperial = "imperial"
)

// Formatter renders store temperatures (Celsius) for display.
type Formatter struct {
	Units string
}

// FormatTemperature rounds half away from zero and appends a degree sign.
// Imperial units convert to Fahrenheit first.
func (f Formatter) FormatTemperature(celsius float64) string {
	t := celsius
	if f.Units == UnitsImperial {
		t = celsius*9/5 + 32
	}
	r := math.Round(t)
	if r == 0 {
		// Avoid "-0°".
		r = 0
	}
	return fmt.Sprintf("%.0f°", r)
}
