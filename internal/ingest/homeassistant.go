package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"nanogrid_simulator/internal/solar"
)

// HomeAssistantParser parses Home Assistant history exports of a PV power
// sensor.
//
// Expected format:
//
//	entity_id,state,last_changed
//	sensor.pv_power,759.59,2024-11-21T13:00:00.000Z
type HomeAssistantParser struct {
	// Unit of the state column: "W" or "kW".
	Unit string
	// Location decides the hour of day; nil means UTC.
	Location *time.Location
}

func NewHomeAssistantParser(unit string, loc *time.Location) *HomeAssistantParser {
	return &HomeAssistantParser{Unit: unit, Location: loc}
}

func (p *HomeAssistantParser) Parse(r io.Reader) ([]solar.Sample, error) {
	scale, err := unitScale(p.Unit)
	if err != nil {
		return nil, err
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	var samples []solar.Sample
	lineNum := 1
	for {
		lineNum++
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", lineNum, err)
		}

		s, err := parseRecord(record, lineNum, scale, loc)
		if err != nil {
			// "unavailable" and similar states
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func unitScale(unit string) (float64, error) {
	switch strings.TrimSpace(unit) {
	case "", "W":
		return 0.001, nil
	case "kW":
		return 1, nil
	}
	return 0, fmt.Errorf("unsupported unit %q", unit)
}

func validateHeader(header []string) error {
	if len(header) < 3 {
		return fmt.Errorf("expected at least 3 columns, got %d", len(header))
	}
	expected := []string{"entity_id", "state", "last_changed"}
	for i, col := range expected {
		if strings.TrimSpace(header[i]) != col {
			return fmt.Errorf("expected column %d to be %q, got %q", i, col, header[i])
		}
	}
	return nil
}

func parseRecord(record []string, lineNum int, scale float64, loc *time.Location) (solar.Sample, error) {
	if len(record) < 3 {
		return solar.Sample{}, fmt.Errorf("line %d: expected 3 fields, got %d", lineNum, len(record))
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
	if err != nil {
		return solar.Sample{}, fmt.Errorf("line %d: parsing value %q: %w", lineNum, record[1], err)
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(record[2]))
	if err != nil {
		return solar.Sample{}, fmt.Errorf("line %d: parsing timestamp %q: %w", lineNum, record[2], err)
	}
	return solar.Sample{Hour: ts.In(loc).Hour(), PowerKW: value * scale}, nil
}
