// Package battery derives charge, power and runtime figures from raw pod
// voltage and current readings.
package battery

import "math"

// Cell characteristics of the pods' single Li-ion cell.
const (
	MinVoltage  = 3.0
	MaxVoltage  = 4.2
	CapacityMAh = 2200.0
)

// Status values.
const (
	Discharging = "Discharging"
	Charging    = "Charging"
)

// Level buckets used for colouring.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelGood   = "good"
)

// Sample is one raw reading from a pod.
type Sample struct {
	NodeID    string  `json:"node_id"`
	Voltage   float64 `json:"voltage"`
	CurrentMA float64 `json:"current"`
}

// Stats are the derived figures for a Sample.
type Stats struct {
	Sample
	Percentage int     `json:"percentage"`
	PowerW     float64 `json:"power"`
	RuntimeH   float64 `json:"runtime"`
	Status     string  `json:"status"`
	Level      string  `json:"level"`
}

// Compute derives Stats from s. Positive current means the pod is drawing
// from the cell. Runtime is zero when no current flows.
func Compute(s Sample) Stats {
	pct := Percentage(s.Voltage)

	var runtime float64
	if s.CurrentMA != 0 {
		runtime = CapacityMAh / math.Abs(s.CurrentMA) * (pct / 100)
	}

	status := Charging
	if s.CurrentMA > 0 {
		status = Discharging
	}

	rounded := int(math.Round(pct))
	return Stats{
		Sample:     s,
		Percentage: rounded,
		PowerW:     round(s.Voltage*s.CurrentMA/1000, 2),
		RuntimeH:   round(runtime, 1),
		Status:     status,
		Level:      Level(rounded),
	}
}

// Percentage maps a cell voltage linearly onto 0-100.
func Percentage(voltage float64) float64 {
	pct := (voltage - MinVoltage) / (MaxVoltage - MinVoltage) * 100
	return math.Min(100, math.Max(0, pct))
}

// Level buckets a charge percentage.
func Level(pct int) string {
	switch {
	case pct < 20:
		return LevelLow
	case pct < 60:
		return LevelMedium
	default:
		return LevelGood
	}
}

// SampleFleet returns simulated readings for three pods.
func SampleFleet() []Sample {
	return []Sample{
		{NodeID: "POD-01", Voltage: 3.83, CurrentMA: 150},
		{NodeID: "POD-02", Voltage: 3.45, CurrentMA: 100},
		{NodeID: "POD-03", Voltage: 3.10, CurrentMA: 200},
	}
}

// ComputeAll applies Compute to each sample.
func ComputeAll(samples []Sample) []Stats {
	out := make([]Stats, len(samples))
	for i, s := range samples {
		out[i] = Compute(s)
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
