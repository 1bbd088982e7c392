package types

import (
	"fmt"
	"strings"
)

// ApplicationState is the externally observable state of an application
// on a host, as seen by the last probe.
type ApplicationState int32

const (
	AppUnknown     ApplicationState = iota // not probed yet, or indeterminate
	AppAuth                                // host reachable, application not running
	AppRunning                             // application answered the probe
	AppUnreachable                         // host did not answer
	AppInvalid                             // host cannot run the application
)

var appStateNames = [...]string{
	AppUnknown:     "UNKNOWN",
	AppAuth:        "AUTH",
	AppRunning:     "RUNNING",
	AppUnreachable: "UNREACHABLE",
	AppInvalid:     "INVALID",
}

// String returns the state name, e.g. RUNNING.
func (s ApplicationState) String() string {
	if s < 0 || int(s) >= len(appStateNames) {
		return fmt.Sprintf("ApplicationState(%d)", int32(s))
	}
	return appStateNames[s]
}

// MarshalText renders the state by name.
func (s ApplicationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name, case-insensitively.
func (s *ApplicationState) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for i, n := range appStateNames {
		if n == name {
			*s = ApplicationState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown application state %q", string(text))
}
