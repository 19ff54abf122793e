package ingest

import (
	"fmt"
	"io"
	"os"

	"nanogrid_simulator/internal/solar"
)

// Parser reads generation history and returns hourly samples.
type Parser interface {
	Parse(r io.Reader) ([]solar.Sample, error)
}

// LoadPVHistory parses the history export at path.
func LoadPVHistory(path string, p Parser) ([]solar.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PV history: %w", err)
	}
	defer f.Close()

	samples, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return samples, nil
}
