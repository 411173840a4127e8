// Package rt holds the canonical realtime model: vehicle journeys, trip
// updates, stop time updates and the raw feed payloads they were built from,
// with their postgres persistence.
package rt

import "fmt"

// ModificationType describes what a realtime feed did to a stop or a trip.
type ModificationType string

const (
	// StatusNone means the feed carried no information for the object.
	StatusNone ModificationType = "none"
	// StatusUpdate means the feed carried a delay, including a zero or
	// negative one.
	StatusUpdate ModificationType = "update"
	// StatusAdd means the stop or trip was added by the feed.
	StatusAdd ModificationType = "add"
	// StatusAddedForDetour means the stop was added as part of a detour.
	StatusAddedForDetour ModificationType = "added_for_detour"
	// StatusDelete means the stop or trip was cancelled by the feed.
	StatusDelete ModificationType = "delete"
	// StatusDeletedForDetour means the stop was removed as part of a detour.
	StatusDeletedForDetour ModificationType = "deleted_for_detour"
)

// statusRank orders modification types from least to most disruptive, used
// when a single effect must summarise a whole trip.
var statusRank = map[ModificationType]int{
	StatusNone:             0,
	StatusUpdate:           1,
	StatusAdd:              2,
	StatusAddedForDetour:   2,
	StatusDelete:           3,
	StatusDeletedForDetour: 3,
}

// Rank returns the disruption rank of m. Unknown types rank lowest.
func (m ModificationType) Rank() int {
	return statusRank[m]
}

// Valid reports whether m is one of the known modification types.
func (m ModificationType) Valid() bool {
	_, ok := statusRank[m]
	return ok
}

// TripEffect is the GTFS-RT alert effect summarising a trip update.
type TripEffect string

const (
	EffectNoService         TripEffect = "NO_SERVICE"
	EffectReducedService    TripEffect = "REDUCED_SERVICE"
	EffectSignificantDelays TripEffect = "SIGNIFICANT_DELAYS"
	EffectDetour            TripEffect = "DETOUR"
	EffectAdditionalService TripEffect = "ADDITIONAL_SERVICE"
	EffectModifiedService   TripEffect = "MODIFIED_SERVICE"
	EffectOtherEffect       TripEffect = "OTHER_EFFECT"
	EffectUnknownEffect     TripEffect = "UNKNOWN_EFFECT"
	EffectStopMoved         TripEffect = "STOP_MOVED"
)

// effectForStatus maps a single modification type to its trip effect.
var effectForStatus = map[ModificationType]TripEffect{
	StatusNone:             EffectUnknownEffect,
	StatusUpdate:           EffectSignificantDelays,
	StatusDelete:           EffectReducedService,
	StatusDeletedForDetour: EffectDetour,
	StatusAdd:              EffectModifiedService,
	StatusAddedForDetour:   EffectDetour,
}

// EffectForStatus returns the trip effect for a single modification type.
func EffectForStatus(m ModificationType) TripEffect {
	if e, ok := effectForStatus[m]; ok {
		return e
	}
	return EffectUnknownEffect
}

// ConnectorType identifies the feed dialect a contributor speaks.
type ConnectorType string

const (
	ConnectorGTFSRT ConnectorType = "gtfs-rt"
	ConnectorCOTS   ConnectorType = "cots"
)

// ParseConnectorType validates a connector name from configuration.
func ParseConnectorType(s string) (ConnectorType, error) {
	switch ConnectorType(s) {
	case ConnectorGTFSRT, ConnectorCOTS:
		return ConnectorType(s), nil
	}
	return "", fmt.Errorf("unknown connector type %q", s)
}

// RTStatus is the processing outcome recorded on a raw feed payload.
type RTStatus string

const (
	RTStatusOK      RTStatus = "OK"
	RTStatusKO      RTStatus = "KO"
	RTStatusPending RTStatus = "pending"
)
