package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMergeKeepsMaxSeverity(t *testing.T) {
	alert := NewAlert("a-1", Signal{DeviceID: "dev-1", Type: TypeResource, Severity: SeverityWarning}, t0)

	raised := alert.Merge(Signal{DeviceID: "dev-1", Type: TypeResource, Severity: SeverityCritical, Context: map[string]any{"cpu": 96.0}}, t0.Add(time.Minute))
	assert.True(t, raised)
	assert.Equal(t, SeverityCritical, alert.Severity)

	raised = alert.Merge(Signal{DeviceID: "dev-1", Type: TypeResource, Severity: SeverityWarning}, t0.Add(2*time.Minute))
	assert.False(t, raised)
	assert.Equal(t, SeverityCritical, alert.Severity)
	assert.Equal(t, 3, alert.Occurrences)
	assert.Equal(t, t0.Add(2*time.Minute), alert.LastSeenAt)
	assert.Equal(t, 96.0, alert.Context["cpu"])
}

func TestStateMachine(t *testing.T) {
	alert := NewAlert("a-1", Signal{DeviceID: "dev-1", Type: TypeConnectivity, Severity: SeverityCritical}, t0)

	assert.True(t, alert.Escalate(t0.Add(16*time.Minute)))
	assert.False(t, alert.Escalate(t0.Add(17*time.Minute)))
	assert.True(t, alert.Acknowledge("op-1", t0.Add(20*time.Minute)))
	assert.False(t, alert.Acknowledge("op-2", t0.Add(21*time.Minute)))
	assert.Equal(t, "op-1", alert.AcknowledgedBy)
	assert.False(t, alert.Escalate(t0.Add(22*time.Minute)))

	assert.True(t, alert.Resolve("op-1", "replaced cable", t0.Add(30*time.Minute)))
	assert.False(t, alert.Resolve("op-2", "again", t0.Add(31*time.Minute)))
	assert.False(t, alert.Acknowledge("op-2", t0.Add(32*time.Minute)))
	assert.Equal(t, "replaced cable", alert.ResolutionNotes)
	assert.False(t, alert.IsOpen())
}

func TestSignalValidate(t *testing.T) {
	assert.Error(t, Signal{Type: TypeResource, Severity: SeverityWarning}.Validate())
	assert.Error(t, Signal{DeviceID: "d", Type: "disk", Severity: SeverityWarning}.Validate())
	assert.Error(t, Signal{DeviceID: "d", Type: TypeResource, Severity: "info"}.Validate())
	assert.NoError(t, Signal{DeviceID: "d", Type: TypeSyncFailure, Severity: SeverityCritical}.Validate())
}
