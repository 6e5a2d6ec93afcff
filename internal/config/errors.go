package config

import "fmt"

// ConfigurationError reports a missing or contradictory setting. It is
// always raised before any checkpoint or model work starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: --%s: %s", e.Field, e.Reason)
}

// UnrecognizedModeError reports a --mode value outside the supported set.
type UnrecognizedModeError struct {
	Value string
}

func (e *UnrecognizedModeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("unexpected value of --mode: %q (available modes: %s / %s / %s)",
		e.Value, ModeTrain, ModeShowExamples, ModeOfficialEval)
}
