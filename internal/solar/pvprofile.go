package solar

import "math"

// Sample is one observed generation value at an hour of day.
type Sample struct {
	Hour    int     // 0-23
	PowerKW float64 // observed output
}

// PVProfile holds an hourly generation shape.
type PVProfile struct {
	// HourlyFactor holds the normalized capacity factor for each hour [0-23].
	// Peak hour = 1.0, other hours scaled relative to peak.
	HourlyFactor [24]float64
	// PeakHour is the hour with the highest average generation.
	PeakHour int
	// PeakKW is the reference peak output of the installation.
	PeakKW float64
}

// BuildProfile derives an hourly generation shape from observed samples.
// Non-positive samples are ignored; with no usable samples the default
// east-facing profile is returned.
func BuildProfile(samples []Sample, peakKW float64) PVProfile {
	var hourSum [24]float64
	var hourCount [24]int

	for _, s := range samples {
		if s.PowerKW <= 0 || s.Hour < 0 || s.Hour > 23 {
			continue
		}
		hourSum[s.Hour] += s.PowerKW
		hourCount[s.Hour]++
	}

	profile := PVProfile{PeakKW: peakKW}

	var maxAvg float64
	for h := 0; h < 24; h++ {
		if hourCount[h] > 0 {
			avg := hourSum[h] / float64(hourCount[h])
			profile.HourlyFactor[h] = avg
			if avg > maxAvg {
				maxAvg = avg
				profile.PeakHour = h
			}
		}
	}
	if maxAvg <= 0 {
		return defaultProfile(peakKW)
	}

	for h := 0; h < 24; h++ {
		profile.HourlyFactor[h] /= maxAvg
	}
	return profile
}

// GenerateOrientedProfile creates a shifted profile for a different panel orientation.
// The base profile's peak corresponds to its original orientation.
//
// azimuthDeg: panel azimuth (0=N, 90=E, 180=S, 270=W)
// tiltDeg: panel tilt from horizontal (0=flat, 90=vertical wall)
// baseAzimuth: the azimuth of the original installation (e.g., 90 for east)
func GenerateOrientedProfile(base PVProfile, azimuthDeg, tiltDeg, baseAzimuth float64) PVProfile {
	// East peaks at ~10:00, South at ~12:00, West at ~14:00
	shiftHours := (azimuthDeg - baseAzimuth) / 45.0

	// Steeper tilt narrows the curve, flatter tilt broadens it. Reference tilt is 40°.
	tiltWidthFactor := 1.0
	if tiltDeg > 40 {
		tiltWidthFactor = 1.0 - (tiltDeg-40)/200.0
	} else if tiltDeg < 40 {
		tiltWidthFactor = 1.0 + (40-tiltDeg)/200.0
	}
	tiltWidthFactor = math.Max(0.5, math.Min(1.5, tiltWidthFactor))

	tiltEfficiency := math.Cos((tiltDeg - 35) * math.Pi / 180)
	if tiltEfficiency < 0.5 {
		tiltEfficiency = 0.5
	}

	result := PVProfile{PeakKW: base.PeakKW}

	peakHour := float64(base.PeakHour)
	var maxFactor float64
	for h := 0; h < 24; h++ {
		srcHour := float64(h) - shiftHours
		adjustedSrcHour := peakHour + (srcHour-peakHour)/tiltWidthFactor

		factor := interpolateProfile(base.HourlyFactor, adjustedSrcHour) * tiltEfficiency
		if factor < 0 {
			factor = 0
		}
		result.HourlyFactor[h] = factor
		if factor > maxFactor {
			maxFactor = factor
			result.PeakHour = h
		}
	}

	if maxFactor > 0 {
		for h := 0; h < 24; h++ {
			result.HourlyFactor[h] /= maxFactor
		}
	}

	return result
}

// PowerAt returns estimated output in kW for the given fractional hour.
func (p *PVProfile) PowerAt(hour float64) float64 {
	factor := interpolateProfile(p.HourlyFactor, hour)
	if factor < 0 {
		return 0
	}
	return factor * p.PeakKW
}

// interpolateProfile returns linearly interpolated factor for a fractional hour.
func interpolateProfile(factors [24]float64, hour float64) float64 {
	hour = wrapHour(hour)

	lo := int(math.Floor(hour)) % 24
	hi := (lo + 1) % 24
	frac := hour - math.Floor(hour)

	return factors[lo]*(1-frac) + factors[hi]*frac
}

// wrapHour maps any hour onto [0, 24).
func wrapHour(hour float64) float64 {
	hour = math.Mod(hour, 24)
	if hour < 0 {
		hour += 24
	}
	return hour
}

// defaultProfile returns a reasonable default east-facing profile.
func defaultProfile(peakKW float64) PVProfile {
	p := PVProfile{
		PeakHour: 10,
		PeakKW:   peakKW,
	}
	// Simple bell curve centered at hour 10
	for h := 0; h < 24; h++ {
		dist := float64(h) - 10.0
		p.HourlyFactor[h] = math.Exp(-dist * dist / 18.0)
		if p.HourlyFactor[h] < 0.01 {
			p.HourlyFactor[h] = 0
		}
	}
	return p
}
