package predictive

import (
	"context"
	"math"
	"time"
)

// DefaultWindow is the trailing history a forecast reads.
const DefaultWindow = 7 * 24 * time.Hour

// Factor names. FactorNone means no metric trends upward.
const (
	FactorCPU         = "cpu"
	FactorMemory      = "memory"
	FactorDisk        = "disk"
	FactorTemperature = "temperature"
	FactorNone        = "none"
)

// Logistic calibration.
const (
	Intercept         = -3.0
	WeightCPU         = 0.15
	WeightMemory      = 0.15
	WeightDisk        = 0.5
	WeightTemperature = 0.3
	WeightAlerts      = 0.4
)

// Point is one observation of a metric.
type Point struct {
	At    time.Time
	Value float64
}

// Slopes are per-metric trends in units per day.
type Slopes struct {
	CPU         float64 `json:"cpu"`
	Memory      float64 `json:"memory"`
	Disk        float64 `json:"disk"`
	Temperature float64 `json:"temperature"`
}

// Forecast is an advisory failure-likelihood estimate for one device.
type Forecast struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	StoreID     string    `json:"store_id"`
	Score       float64   `json:"score"`
	TopFactor   string    `json:"top_factor"`
	Slopes      Slopes    `json:"slopes"`
	AlertCount  int       `json:"alert_count"`
	SampleCount int       `json:"sample_count"`
	WindowHours int       `json:"window_hours"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Slope returns the ordinary least squares slope of points in units per day.
// Fewer than two distinct instants yield 0.
func Slope(points []Point) float64 {
	if len(points) < 2 {
		return 0
	}
	origin := points[0].At
	n := float64(len(points))
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.At.Sub(origin).Hours() / 24
		sumY += p.Value
	}
	meanX, meanY := sumX/n, sumY/n
	var sxy, sxx float64
	for _, p := range points {
		dx := p.At.Sub(origin).Hours()/24 - meanX
		sxy += dx * (p.Value - meanY)
		sxx += dx * dx
	}
	if sxx == 0 {
		return 0
	}
	return sxy / sxx
}

// Score maps slopes and alert count to a probability in (0,1).
func Score(s Slopes, alertCount int) float64 {
	z := Intercept +
		WeightCPU*positive(s.CPU) +
		WeightMemory*positive(s.Memory) +
		WeightDisk*positive(s.Disk) +
		WeightTemperature*positive(s.Temperature) +
		WeightAlerts*float64(alertCount)
	return 1 / (1 + math.Exp(-z))
}

// TopFactor returns the metric with the steepest adverse (positive) slope, or
// FactorNone when no slope is positive. Ties keep the earlier of cpu, memory, disk, temperature.
func TopFactor(s Slopes) string {
	candidates := []struct {
		name  string
		slope float64
	}{
		{FactorCPU, s.CPU},
		{FactorMemory, s.Memory},
		{FactorDisk, s.Disk},
		{FactorTemperature, s.Temperature},
	}
	top, best := FactorNone, 0.0
	for _, c := range candidates {
		if c.slope > best {
			top, best = c.name, c.slope
		}
	}
	return top
}

func positive(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

// Repository stores computed forecasts.
type Repository interface {
	Save(ctx context.Context, f Forecast) error
	Latest(ctx context.Context, deviceID string) (*Forecast, error)
}
