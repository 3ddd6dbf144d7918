// Command genmock generates synthetic multi-source fixtures for the
// correlation engine: a station registry, an event catalog, and canonical
// record files with realistic defects (sentinels, spikes, gaps, duplicates).
// Generation is seeded, so fixtures are reproducible.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -out data/mock \
//	  -stations 6 \
//	  -events 2 \
//	  -days 5
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

var baseDate = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

type sourceDef struct {
	source   domain.Source
	channel  string
	units    string
	stepMS   int64
	level    float64 // carrier amplitude
	noise    float64
	sentinel float64
}

var defs = []sourceDef{
	{source: domain.SourceGeomag, channel: "h", units: "nT", stepMS: 60_000, level: 20500, noise: 2.5, sentinel: 99999},
	{source: domain.SourceAEF, channel: "ez", units: "V/m", stepMS: 60_000, level: 120, noise: 8, sentinel: 88888},
	{source: domain.SourceVLF, channel: "amp", units: "counts", stepMS: 60_000, level: 4000, noise: 150, sentinel: 99999},
	{source: domain.SourceSeismic, channel: "bhz", units: "counts", stepMS: 50, level: 0, noise: 40, sentinel: 99999},
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output directory for fixtures")
	nStations := flag.Int("stations", 6, "stations to generate")
	nEvents := flag.Int("events", 2, "catalog events to generate")
	days := flag.Int("days", 5, "days of record history per series")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}

	rng := rand.New(rand.NewSource(*seed))

	stations := genStations(rng, *nStations)
	if err := writeJSON(filepath.Join(*out, "stations.json"), stations); err != nil {
		return fmt.Errorf("writing stations: %w", err)
	}
	log.Printf("wrote %d stations", len(stations))

	events := genEvents(rng, stations, *nEvents, *days)
	if err := writeJSON(filepath.Join(*out, "catalog.json"), events); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	log.Printf("wrote %d events", len(events))

	recordDir := filepath.Join(*out, "records")
	total := 0
	for _, st := range stations {
		for _, d := range defs {
			records := genSeries(rng, st, d, *days)
			total += len(records)
			name := fmt.Sprintf("%s_%s.json", d.source, st.StationID)
			if err := writeJSON(filepath.Join(recordDir, name), records); err != nil {
				return fmt.Errorf("writing %s: %w", name, err)
			}
		}
	}
	log.Printf("wrote %d records under %s", total, recordDir)
	return nil
}

// genStations scatters stations around a fault-zone center, with two
// guaranteed inside a 100 km link radius and one guaranteed outside.
func genStations(rng *rand.Rand, n int) []domain.Station {
	const centerLat, centerLon = 38.0, 142.0
	stations := make([]domain.Station, 0, n)
	for i := 0; i < n; i++ {
		var dLat, dLon float64
		switch i {
		case 0:
			dLat, dLon = 0.2, 0.3 // ~40 km out
		case 1:
			dLat, dLon = -0.4, 0.2 // ~50 km out
		case 2:
			dLat, dLon = 1.5, 1.2 // well outside 100 km
		default:
			dLat = (rng.Float64() - 0.5) * 4
			dLon = (rng.Float64() - 0.5) * 4
		}
		elev := 100 + rng.Float64()*400
		stations = append(stations, domain.Station{
			StationID: fmt.Sprintf("st%02d", i+1),
			Lat:       centerLat + dLat,
			Lon:       centerLon + dLon,
			ElevM:     &elev,
		})
	}
	return stations
}

func genEvents(rng *rand.Rand, stations []domain.Station, n, days int) []domain.Event {
	events := make([]domain.Event, 0, n)
	for i := 0; i < n; i++ {
		// Origin sits late in the history so the pre-event window has data.
		origin := baseDate.Add(time.Duration(days-1) * 24 * time.Hour).
			Add(time.Duration(i) * 6 * time.Hour)
		depth := 10 + rng.Float64()*40
		mag := 4.5 + rng.Float64()*2.5
		events = append(events, domain.Event{
			EventID:    fmt.Sprintf("evt-%03d", i+1),
			OriginTime: origin,
			Lat:        stations[0].Lat + (rng.Float64()-0.5)*0.2,
			Lon:        stations[0].Lon + (rng.Float64()-0.5)*0.2,
			DepthKM:    &depth,
			Mag:        &mag,
		})
	}
	return events
}

// genSeries produces one series with a diurnal carrier, noise, and injected
// defects: sentinels, spikes, a long gap, and duplicate timestamps.
func genSeries(rng *rand.Rand, st domain.Station, d sourceDef, days int) []domain.CanonicalRecord {
	// Seismic at full rate for days of history would be enormous; generate
	// bursts of a few minutes each hour instead.
	stepMS := d.stepMS
	spanMS := int64(days) * 24 * 3600_000

	lat, lon := st.Lat, st.Lon
	records := make([]domain.CanonicalRecord, 0, spanMS/stepMS/4)
	emit := func(tsMS int64, value float64) {
		records = append(records, domain.CanonicalRecord{
			Source:    d.source,
			StationID: st.StationID,
			Channel:   d.channel,
			TSMS:      tsMS,
			Value:     value,
			Units:     d.units,
			Lat:       &lat,
			Lon:       &lon,
			Elev:      st.ElevM,
		})
	}

	gapStart := spanMS / 3
	gapEnd := gapStart + 45*60_000 // 45 minute outage

	for off := int64(0); off < spanMS; off += stepMS {
		if off >= gapStart && off < gapEnd {
			continue
		}
		if d.source == domain.SourceSeismic && (off%3600_000) > 5*60_000 {
			continue // bursts: first five minutes of each hour
		}

		ts := baseDate.UnixMilli() + off
		hourOfDay := float64(off%86_400_000) / 3_600_000
		value := d.level +
			d.level*0.002*math.Sin(2*math.Pi*hourOfDay/24) +
			rng.NormFloat64()*d.noise

		switch {
		case rng.Float64() < 0.001:
			value = d.sentinel
		case rng.Float64() < 0.002:
			value += d.noise * 30 * (rng.Float64() - 0.5) // spike
		}
		emit(ts, value)

		// Occasional duplicate timestamp with a conflicting value.
		if rng.Float64() < 0.0005 {
			emit(ts, value+d.noise)
		}
	}
	return records
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
