package installation

import (
	"context"
	"math"
	"strings"
	"time"
)

// Sub-check names in execution order.
const (
	CheckHardware   = "hardware"
	CheckSoftware   = "software"
	CheckNetwork    = "network"
	CheckMasterData = "master-data"
)

// Order is the fixed execution order of sub-checks.
var Order = []string{CheckHardware, CheckSoftware, CheckNetwork, CheckMasterData}

// Weights of each sub-check in the aggregate score.
var Weights = map[string]float64{
	CheckHardware:   0.25,
	CheckSoftware:   0.25,
	CheckNetwork:    0.30,
	CheckMasterData: 0.20,
}

// PassThreshold is the minimum aggregate score of a passing check.
const PassThreshold = 70.0

// Verdicts.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// HardFail reports whether a failure of the named sub-check fails the whole check.
func HardFail(name string) bool {
	return name == CheckNetwork || name == CheckMasterData
}

// SubCheck is the outcome of one probe.
type SubCheck struct {
	Name        string  `json:"name"`
	Passed      bool    `json:"passed"`
	Score       float64 `json:"score"`
	Detail      string  `json:"detail,omitempty"`
	Remediation string  `json:"remediation,omitempty"`
	DurationMs  int64   `json:"duration_ms"`
}

// Failed builds a zero-score failed sub-check.
func Failed(name, detail, remediation string) SubCheck {
	return SubCheck{Name: name, Passed: false, Score: 0, Detail: detail, Remediation: remediation}
}

// Check is one readiness evaluation of a device.
type Check struct {
	ID          string     `json:"id"`
	DeviceID    string     `json:"device_id"`
	StoreID     string     `json:"store_id"`
	Results     []SubCheck `json:"results"`
	Score       float64    `json:"score"`
	Verdict     string     `json:"verdict"`
	HardFailed  []string   `json:"hard_failed,omitempty"`
	Remediation string     `json:"remediation,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Passed reports a pass verdict.
func (c Check) Passed() bool {
	return c.Verdict == VerdictPass
}

// Result returns the named sub-check.
func (c Check) Result(name string) (SubCheck, bool) {
	for _, r := range c.Results {
		if r.Name == name {
			return r, true
		}
	}
	return SubCheck{}, false
}

// Evaluate fills the aggregate score, verdict, hard failures and remediation
// notes from c.Results. Missing sub-checks count as failed with score 0.
func (c *Check) Evaluate() {
	byName := make(map[string]SubCheck, len(c.Results))
	for _, r := range c.Results {
		byName[r.Name] = r
	}
	var total float64
	var notes []string
	c.HardFailed = nil
	for _, name := range Order {
		r, ok := byName[name]
		if !ok {
			r = Failed(name, "not run", "")
		}
		total += Weights[name] * clamp(r.Score)
		if !r.Passed && HardFail(name) {
			c.HardFailed = append(c.HardFailed, name)
		}
		if !r.Passed && r.Remediation != "" {
			notes = append(notes, name+": "+r.Remediation)
		}
	}
	c.Score = math.Round(total*100) / 100
	c.Verdict = VerdictFail
	if c.Score >= PassThreshold && len(c.HardFailed) == 0 {
		c.Verdict = VerdictPass
	}
	c.Remediation = strings.Join(notes, "; ")
}

func clamp(score float64) float64 {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// Repository persists checks. Every run is a new row.
type Repository interface {
	Save(ctx context.Context, check Check) error
	Get(ctx context.Context, id string) (*Check, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Check, error)
	ListByStore(ctx context.Context, storeID string, since time.Time) ([]Check, error)
}
