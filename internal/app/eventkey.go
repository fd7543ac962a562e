package app

import "github.com/arc-self/trace-sessiond/internal/tracerdriver"

// EventKey is the §3 identity triple for an AppEvent within an AppChannel:
// (name, loglevel-with-ALL-normalisation, filter-bytes).
type EventKey struct {
	Name         string
	LogLevel     int32
	LogLevelType tracerdriver.LogLevelType
	Filter       *Filter
}

// normalisedLogLevel applies the ALL-normalisation rule: when the
// loglevel-type is ALL, the canonical value -1 is considered equal to the
// API-received value 0.
func normalisedLogLevel(level int32, levelType tracerdriver.LogLevelType) int32 {
	if levelType == tracerdriver.LogLevelAll && level == 0 {
		return -1
	}
	return level
}

func keyOf(e *AppEvent) EventKey {
	return EventKey{
		Name:         e.Name,
		LogLevel:     normalisedLogLevel(e.Attr.LogLevel, e.Attr.LogLevelType),
		LogLevelType: e.Attr.LogLevelType,
		Filter:       e.Filter,
	}
}

// eventMatches compares an existing event against a lookup key, applying
// the same ALL-normalisation to the key's loglevel before comparing.
func eventMatches(e *AppEvent, key EventKey) bool {
	if e.Name != key.Name {
		return false
	}
	have := normalisedLogLevel(e.Attr.LogLevel, e.Attr.LogLevelType)
	want := normalisedLogLevel(key.LogLevel, key.LogLevelType)
	if have != want {
		return false
	}
	return filterEqual(e.Filter, key.Filter)
}

// NewEventKey builds a raw lookup key; ALL-normalisation is applied by
// eventMatches at comparison time, not here.
func NewEventKey(name string, logLevel int32, levelType tracerdriver.LogLevelType, filter *Filter) EventKey {
	return EventKey{Name: name, LogLevel: logLevel, LogLevelType: levelType, Filter: filter}
}
