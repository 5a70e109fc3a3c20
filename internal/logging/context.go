package logging

// InstrumentContext returns a logger scoped to per-instrument tick
// processing, given the base logger the coordinator was built with.
func InstrumentContext(l *Logger, instrumentID string) *Logger {
	return l.WithField("instrument_id", instrumentID).WithComponent("coordinator")
}

// PlanContext returns a logger scoped to one plan's runtime evaluation.
func PlanContext(l *Logger, planID, instrumentID string) *Logger {
	return l.WithFields(map[string]interface{}{
		"plan_id":       planID,
		"instrument_id": instrumentID,
	}).WithComponent("planrt")
}

// SignalContext returns a logger scoped to one signal's emission.
func SignalContext(l *Logger, planID, state string, timestampMs int64) *Logger {
	return l.WithFields(map[string]interface{}{
		"plan_id":      planID,
		"state":        state,
		"timestamp_ms": timestampMs,
	}).WithComponent("emitter")
}
