package compress

import "fmt"

// ConfigError reports an invalid or unusable run configuration, such as a
// layer selector that matches nothing.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Msg
}

// StateError reports a required accumulated-state key missing between
// pipeline stages.
type StateError struct {
	Stage string
	Key   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("pipeline state error: stage %q did not produce required key %q", e.Stage, e.Key)
}

// SolverError wraps a failure of the compression primitive with enough
// context (layer index, sub-module) for the caller to report or retry the
// whole run.
type SolverError struct {
	Layer  int
	Module string
	Err    error
}

func (e *SolverError) Error() string {
	return fmt.Sprintf("solver failed on layer %d (%s): %v", e.Layer, e.Module, e.Err)
}

func (e *SolverError) Unwrap() error { return e.Err }
