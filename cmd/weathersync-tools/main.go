package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"weathersync/internal/config"
	"weathersync/internal/db"
	"weathersync/internal/logging"
	"weathersync/internal/migrate"
	"weathersync/internal/weather"
)

var version = "dev"
var appName = "weathersync-tools"

const usage = `usage: %s <command> [flags]
  migrate  apply pending weather store migrations
  seed     insert or replace one forecast day
`

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(cfg, version, appName))

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, args []string, stdout io.Writer) error {
	conn, err := db.Open(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			slog.Error("db close", "err", closeErr)
		}
	}()

	switch args[0] {
	case "migrate":
		if err := migrate.Run(ctx, conn, slog.Default()); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "migrations applied")
		return nil
	case "seed":
		entry, location, err := parseSeed(args[1:], cfg.WeatherLocation)
		if err != nil {
			return err
		}
		if err := migrate.Run(ctx, conn, slog.Default()); err != nil {
			return err
		}
		if err := weather.NewRepository(conn).InsertEntry(ctx, location, entry); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "seeded %s for %s: %.1f/%.1f code %d\n",
			entry.Date.Format(time.DateOnly), location, entry.MaxTemp, entry.MinTemp, entry.ConditionCode)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func parseSeed(args []string, defaultLocation string) (weather.Entry, string, error) {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	date := fs.String("date", time.Now().UTC().Format(time.DateOnly), "forecast day (YYYY-MM-DD, UTC)")
	location := fs.String("location", defaultLocation, "location setting")
	high := fs.Float64("high", 25, "max temperature, Celsius")
	low := fs.Float64("low", 16, "min temperature, Celsius")
	code := fs.Int("code", 800, "OpenWeatherMap condition code")
	desc := fs.String("desc", "", "short description")
	if err := fs.Parse(args); err != nil {
		return weather.Entry{}, "", err
	}

	day, err := time.Parse(time.DateOnly, *date)
	if err != nil {
		return weather.Entry{}, "", fmt.Errorf("invalid -date %q: %w", *date, err)
	}
	if _, err := weather.ArtFor(*code); err != nil {
		return weather.Entry{}, "", err
	}
	return weather.Entry{
		Date:          day,
		ConditionCode: *code,
		ShortDesc:     *desc,
		MaxTemp:       *high,
		MinTemp:       *low,
	}, *location, nil
}
