package fleet

import "time"

// DefaultWindow bounds the installation readiness lookback when none is given.
const DefaultWindow = 24 * time.Hour

// DeviceCounts groups a store's devices by derived status.
type DeviceCounts struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Unknown  int `json:"unknown"`
	Inactive int `json:"inactive"`
}

// AlertCounts groups open alerts by severity.
type AlertCounts struct {
	Total    int `json:"total"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// Readiness summarizes the latest installation check of each device.
type Readiness struct {
	Checked      int     `json:"checked"`
	Passed       int     `json:"passed"`
	Failed       int     `json:"failed"`
	AverageScore float64 `json:"average_score"`
}

// Summary is a read-only, eventually consistent view of one store.
type Summary struct {
	StoreID     string       `json:"store_id"`
	WindowHours float64      `json:"window_hours"`
	Devices     DeviceCounts `json:"devices"`
	Alerts      AlertCounts  `json:"alerts"`
	Readiness   Readiness    `json:"readiness"`
	GeneratedAt time.Time    `json:"generated_at"`
}
