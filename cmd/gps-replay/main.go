// gps-replay feeds recorded fixes from a CSV file into raw_gps and offers
// the devices to the processing queue, optionally pacing inserts to the
// recorded timeline. Useful for exercising the pipeline without a live
// ingest feed.
//
// CSV columns: device_id,recorded_at,latitude,longitude[,speed]
// recorded_at is RFC3339. Columns past speed are ignored.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/config"
	"github.com/green-1-three/mudmaps/internal/db"
	"github.com/green-1-three/mudmaps/internal/queue"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gps-replay <fixes.csv> [config.yaml] [speedup]")
		fmt.Fprintln(os.Stderr, "  speedup divides recorded gaps (10 = ten times faster); omit to insert without pacing")
		os.Exit(1)
	}
	csvPath := os.Args[1]
	configPath := ""
	speedup := 0.0
	if len(os.Args) > 2 {
		configPath = os.Args[2]
	}
	if len(os.Args) > 3 {
		v, err := strconv.ParseFloat(os.Args[3], 64)
		if err != nil || v <= 0 {
			fmt.Fprintf(os.Stderr, "invalid speedup: %s\n", os.Args[3])
			os.Exit(1)
		}
		speedup = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DB.DSN(), cfg.DB.PoolMax)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	q, err := queue.New(ctx, cfg.Queue.URL, time.Second, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		os.Exit(1)
	}
	defer q.Close()

	f, err := os.Open(csvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	inserted := 0
	offered := 0
	devices := map[string]bool{}
	var prev time.Time
	line := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", line+1, err)
			os.Exit(1)
		}
		line++
		if len(rec) < 4 {
			fmt.Fprintf(os.Stderr, "line %d: want device_id,recorded_at,latitude,longitude\n", line)
			os.Exit(1)
		}

		at, err := time.Parse(time.RFC3339, rec[1])
		if err != nil {
			if line == 1 {
				continue // header row
			}
			fmt.Fprintf(os.Stderr, "line %d: bad recorded_at %q: %v\n", line, rec[1], err)
			os.Exit(1)
		}
		lat, latErr := strconv.ParseFloat(rec[2], 64)
		lon, lonErr := strconv.ParseFloat(rec[3], 64)
		if latErr != nil || lonErr != nil {
			fmt.Fprintf(os.Stderr, "line %d: bad coordinates %q,%q\n", line, rec[2], rec[3])
			os.Exit(1)
		}
		var speed any
		if len(rec) > 4 && rec[4] != "" {
			v, err := strconv.ParseFloat(rec[4], 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "line %d: bad speed %q\n", line, rec[4])
				os.Exit(1)
			}
			speed = v
		}

		if speedup > 0 && !prev.IsZero() && at.After(prev) {
			time.Sleep(time.Duration(float64(at.Sub(prev)) / speedup))
		}
		prev = at

		_, err = pool.Exec(ctx, `
			INSERT INTO raw_gps (device_id, longitude, latitude, recorded_at, received_at, speed)
			VALUES ($1, $2, $3, $4, now(), $5)`,
			rec[0], lon, lat, at, speed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: insert: %v\n", line, err)
			os.Exit(1)
		}
		inserted++
		devices[rec[0]] = true

		added, err := q.Offer(ctx, rec[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: offer: %v\n", line, err)
			os.Exit(1)
		}
		if added {
			offered++
		}
	}

	fmt.Printf("Replayed %d fixes for %d devices (%d queue offers)\n",
		inserted, len(devices), offered)
}
