package grid

import (
	"errors"
	"fmt"
	"math"
)

// DefaultStepHours is the integration step used when a tick represents one hour.
const DefaultStepHours = 1.0

var ErrInvalidCapacity = errors.New("storage capacity must be > 0")

// StorageUnit is a bounded energy reservoir. State of charge is kept in kWh
// and never leaves [0, capacity]; charge and discharge clamp at the bounds.
type StorageUnit struct {
	capacityKWh float64
	socKWh      float64
	health      float64

	throughputKWh float64
}

// NewStorageUnit creates a unit with the given capacity and initial charge.
func NewStorageUnit(capacityKWh, initialKWh float64) (*StorageUnit, error) {
	if capacityKWh <= 0 || math.IsNaN(capacityKWh) || math.IsInf(capacityKWh, 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidCapacity, capacityKWh)
	}
	if initialKWh < 0 || initialKWh > capacityKWh {
		return nil, fmt.Errorf("initial state of charge %v outside [0, %v]", initialKWh, capacityKWh)
	}
	return &StorageUnit{
		capacityKWh: capacityKWh,
		socKWh:      initialKWh,
		health:      100,
	}, nil
}

// Charge adds powerKW*hours, saturating at capacity. Returns the energy
// actually stored. A NaN step leaves the charge unchanged.
func (s *StorageUnit) Charge(powerKW, hours float64) float64 {
	if math.IsNaN(powerKW * hours) {
		return 0
	}
	before := s.socKWh
	s.socKWh = clamp(s.socKWh+powerKW*hours, 0, s.capacityKWh)
	stored := s.socKWh - before
	s.throughputKWh += math.Abs(stored)
	return stored
}

// Discharge removes powerKW*hours, saturating at zero. Returns the energy
// actually released. A NaN step leaves the charge unchanged.
func (s *StorageUnit) Discharge(powerKW, hours float64) float64 {
	if math.IsNaN(powerKW * hours) {
		return 0
	}
	before := s.socKWh
	s.socKWh = clamp(s.socKWh-powerKW*hours, 0, s.capacityKWh)
	released := before - s.socKWh
	s.throughputKWh += math.Abs(released)
	return released
}

func (s *StorageUnit) CapacityKWh() float64   { return s.capacityKWh }
func (s *StorageUnit) StateOfCharge() float64 { return s.socKWh }
func (s *StorageUnit) Health() float64        { return s.health }

// SoCPercent returns the state of charge relative to capacity.
func (s *StorageUnit) SoCPercent() float64 {
	return s.socKWh / s.capacityKWh * 100
}

// SetHealth records an informational health score, clamped to [0, 100].
func (s *StorageUnit) SetHealth(h float64) {
	s.health = clamp(h, 0, 100)
}

// Cycles returns the equivalent full cycle count.
func (s *StorageUnit) Cycles() float64 {
	return s.throughputKWh / 2 / s.capacityKWh
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
