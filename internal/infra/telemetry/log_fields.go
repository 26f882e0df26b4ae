package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent     = "event"
	FieldConnector = "connector"
	FieldSession   = "session"
	FieldTool      = "tool"
	FieldTier      = "tier"
	FieldState     = "state"
	FieldDuration  = "duration"
	FieldRequest   = "request"
)

const (
	EventSessionStart = "session_start"
	EventSessionStop  = "session_stop"
	EventIdleReap     = "idle_reap"
	EventInvokeError  = "invoke_error"
	EventCircuitTrip  = "circuit_trip"
	EventCircuitReset = "circuit_reset"
	EventRoutingError = "routing_error"
	EventConfigReload = "config_reload"
	EventSourceFailed = "source_failed"
)

func EventField(event string) zap.Field       { return zap.String(FieldEvent, event) }
func ConnectorField(id string) zap.Field      { return zap.String(FieldConnector, id) }
func SessionField(id string) zap.Field        { return zap.String(FieldSession, id) }
func ToolField(name string) zap.Field         { return zap.String(FieldTool, name) }
func TierField(tier string) zap.Field         { return zap.String(FieldTier, tier) }
func StateField(state string) zap.Field       { return zap.String(FieldState, state) }
func DurationField(d time.Duration) zap.Field { return zap.Duration(FieldDuration, d) }
func RequestField(id string) zap.Field        { return zap.String(FieldRequest, id) }
