package lifecycle

import "strings"

// Strategy is the recovery decision for a lifecycle-level error.
type Strategy string

// Recovery strategies.
const (
	StrategyRecover Strategy = "recover"
	StrategyStop    Strategy = "stop"
	StrategyIgnore  Strategy = "ignore"
)

// networkMarkers indicate transient network failures worth re-registering
// over.
var networkMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"no such host",
	"dns",
	"network is unreachable",
	"temporary failure",
}

// authMarkers indicate authorization failures. These are recoverable: the
// worker's credentials may have been re-approved in the store since the
// call failed.
var authMarkers = []string{
	"unauthorized",
	"invalid token",
	"forbidden",
	"not approved",
	"authentication",
}

// configMarkers indicate configuration problems that a retry cannot fix.
var configMarkers = []string{
	"configuration",
	"is required",
	"missing required",
	"invalid config",
}

// Classify maps an error and the state it occurred in to a recovery
// strategy. Unclassified errors are fatal: looping forever on an unknown
// failure is worse than stopping.
func Classify(err error, state State) Strategy {
	if err == nil {
		return StrategyIgnore
	}
	if state == StateStopping || state == StateStopped {
		return StrategyIgnore
	}

	msg := strings.ToLower(err.Error())

	if matchesAny(msg, networkMarkers) {
		return StrategyRecover
	}
	if matchesAny(msg, authMarkers) {
		return StrategyRecover
	}
	if matchesAny(msg, configMarkers) {
		return StrategyStop
	}
	return StrategyStop
}

func matchesAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
