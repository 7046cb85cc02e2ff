package weather

import (
	"errors"
	"time"
)

var (
	// ErrNoData means the store has no forecast at or after the query date.
	ErrNoData = errors.New("weather: no data")
	// ErrUnknownCondition means a condition code has no matching art.
	ErrUnknownCondition = errors.New("weather: unknown condition")
	// ErrUnknownLocation means the location setting is not in the store.
	ErrUnknownLocation = errors.New("weather: unknown location")
)

// Entry is one day of forecast. Temperatures are degrees Celsius.
type Entry struct {
	Date          time.Time
	ConditionCode int
	ShortDesc     string
	MinTemp       float64
	MaxTemp       float64
	Humidity      float64
	Pressure      float64
	Wind          float64
	Degrees       float64
}

type Location struct {
	Setting  string
	CityName string
	Lat      float64
	Long     float64
}
