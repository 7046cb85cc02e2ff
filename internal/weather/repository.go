package weather

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

//go:embed sql/query-weather.sql
var queryWeatherSQL string

//go:embed sql/upsert-location.sql
var upsertLocationSQL string

//go:embed sql/get-location-id.sql
var getLocationIDSQL string

//go:embed sql/insert-entry.sql
var insertEntrySQL string

type Repository interface {
	// QueryWeather returns the entries for a location dated on or after the
	// UTC day containing from, oldest first.
	QueryWeather(ctx context.Context, locationKey string, from time.Time) ([]Entry, error)
	UpsertLocation(ctx context.Context, loc Location) error
	// InsertEntry stores e for the location, replacing any entry for the same day.
	InsertEntry(ctx context.Context, locationKey string, e Entry) error
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (r *repositoryImpl) QueryWeather(ctx context.Context, locationKey string, from time.Time) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, queryWeatherSQL, locationKey, DayStart(from).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query weather: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close weather rows", "error", err)
		}
	}()

	var out []Entry
	for rows.Next() {
		var (
			e                                 Entry
			date                              int64
			humidity, pressure, wind, degrees sql.NullFloat64
		)
		if err := rows.Scan(&date, &e.ConditionCode, &e.ShortDesc, &e.MinTemp, &e.MaxTemp,
			&humidity, &pressure, &wind, &degrees); err != nil {
			return nil, fmt.Errorf("scan weather: %w", err)
		}
		e.Date = time.UnixMilli(date).UTC()
		e.Humidity = humidity.Float64
		e.Pressure = pressure.Float64
		e.Wind = wind.Float64
		e.Degrees = degrees.Float64
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) UpsertLocation(ctx context.Context, loc Location) error {
	if loc.Setting == "" {
		return fmt.Errorf("upsert location: empty location setting")
	}
	if _, err := r.db.ExecContext(ctx, upsertLocationSQL, loc.Setting, loc.CityName, loc.Lat, loc.Long); err != nil {
		return fmt.Errorf("upsert location %q: %w", loc.Setting, err)
	}
	return nil
}

func (r *repositoryImpl) InsertEntry(ctx context.Context, locationKey string, e Entry) error {
	var locationID int64
	err := r.db.QueryRowContext(ctx, getLocationIDSQL, locationKey).Scan(&locationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrUnknownLocation, locationKey)
		}
		return fmt.Errorf("lookup location %q: %w", locationKey, err)
	}

	if e.MinTemp > e.MaxTemp {
		return fmt.Errorf("min temperature %.1f above max %.1f", e.MinTemp, e.MaxTemp)
	}

	_, err = r.db.ExecContext(ctx, insertEntrySQL,
		locationID, DayStart(e.Date).UnixMilli(), e.ConditionCode, e.ShortDesc,
		e.MinTemp, e.MaxTemp, e.Humidity, e.Pressure, e.Wind, e.Degrees)
	if err != nil {
		return fmt.Errorf("insert weather entry: %w", err)
	}
	return nil
}
