package health

import "fmt"

// Level orders statuses by severity.
type Level int

const (
	LevelHealthy Level = iota
	LevelWarning
	LevelCritical
)

// String returns the persisted label of the level.
func (l Level) String() string {
	switch l {
	case LevelHealthy:
		return LabelHealthy
	case LevelWarning:
		return LabelWarning
	case LevelCritical:
		return LabelCritical
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Status labels.
const (
	LabelHealthy  = "healthy"
	LabelWarning  = "warning"
	LabelCritical = "critical"
	LabelUnknown  = "unknown"
)

// Metric names a classified measurement.
type Metric string

const (
	MetricCPU         Metric = "cpu"
	MetricMemory      Metric = "memory"
	MetricDisk        Metric = "disk"
	MetricTemperature Metric = "temperature"
	MetricLatency     Metric = "latency"
)

// Reason explains a critical status.
type Reason string

// ReasonOffline marks a device that stopped reporting.
const ReasonOffline Reason = "offline"

// Finding is one threshold crossing.
type Finding struct {
	Metric    Metric  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Level     Level   `json:"level"`
}

// Status is the closed set Healthy, Warning, Critical.
type Status interface {
	Level() Level
	isStatus()
}

// Healthy means every metric is within bounds.
type Healthy struct{}

// Warning carries the metrics above their warning bound.
type Warning struct {
	Findings []Finding
}

// Critical carries the reason and every crossing observed.
type Critical struct {
	Reason   Reason
	Findings []Finding
}

func (Healthy) Level() Level  { return LevelHealthy }
func (Warning) Level() Level  { return LevelWarning }
func (Critical) Level() Level { return LevelCritical }

func (Healthy) isStatus()  {}
func (Warning) isStatus()  {}
func (Critical) isStatus() {}

// Match dispatches on the status variant. Every branch must be supplied.
func Match[T any](s Status, healthy func(Healthy) T, warning func(Warning) T, critical func(Critical) T) T {
	switch v := s.(type) {
	case Healthy:
		return healthy(v)
	case Warning:
		return warning(v)
	case Critical:
		return critical(v)
	default:
		panic(fmt.Sprintf("health: unknown status %T", s))
	}
}

// Label returns the persisted label of s.
func Label(s Status) string {
	if s == nil {
		return ""
	}
	return s.Level().String()
}

// ReasonOf returns the critical reason, or "" for other variants.
func ReasonOf(s Status) Reason {
	return Match(s,
		func(Healthy) Reason { return "" },
		func(Warning) Reason { return "" },
		func(c Critical) Reason { return c.Reason },
	)
}
