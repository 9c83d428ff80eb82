package models

import "strings"

// IntentTag classifies what the user wants done.
type IntentTag string

const (
	IntentResourceReservation IntentTag = "resource_reservation"
	IntentTaskScheduling      IntentTag = "task_scheduling"
	IntentStatusQuery         IntentTag = "status_query"
	IntentInventoryManagement IntentTag = "inventory_management"
	IntentReportingAnalytics  IntentTag = "reporting_analytics"
	IntentUserManagement      IntentTag = "user_management"
	IntentUnknown             IntentTag = "unknown"
)

// AllIntents lists the taxonomy in prompt order.
func AllIntents() []IntentTag {
	return []IntentTag{
		IntentResourceReservation,
		IntentTaskScheduling,
		IntentStatusQuery,
		IntentInventoryManagement,
		IntentReportingAnalytics,
		IntentUserManagement,
		IntentUnknown,
	}
}

// ParseIntentTag maps a model-emitted intent string onto the taxonomy.
// Anything unrecognized becomes IntentUnknown.
func ParseIntentTag(s string) IntentTag {
	tag := IntentTag(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllIntents() {
		if tag == known {
			return known
		}
	}
	return IntentUnknown
}

// EntityKind is the canonical label attached to an extracted value.
type EntityKind string

const (
	EntityResourceID EntityKind = "resource_id"
	EntityDate       EntityKind = "date"
	EntityTime       EntityKind = "time"
	EntityLocation   EntityKind = "location"
	EntityUser       EntityKind = "user"
	EntityDuration   EntityKind = "duration"
	EntityCost       EntityKind = "cost"
	EntityMileage    EntityKind = "mileage"
	EntityFuel       EntityKind = "fuel"
	EntityStatus     EntityKind = "status"
	EntityPriority   EntityKind = "priority"
)

// AllEntityKinds lists the canonical kinds in a stable order.
func AllEntityKinds() []EntityKind {
	return []EntityKind{
		EntityResourceID,
		EntityDate,
		EntityTime,
		EntityLocation,
		EntityUser,
		EntityDuration,
		EntityCost,
		EntityMileage,
		EntityFuel,
		EntityStatus,
		EntityPriority,
	}
}

// entityAliases maps the plural and variant keys models emit onto canonical
// kinds. The envelope convention uses plurals ("resource_ids", "dates").
var entityAliases = map[string]EntityKind{
	"resource_ids": EntityResourceID,
	"resource_id":  EntityResourceID,
	"vehicle_ids":  EntityResourceID,
	"vehicle_id":   EntityResourceID,
	"dates":        EntityDate,
	"date":         EntityDate,
	"times":        EntityTime,
	"time":         EntityTime,
	"locations":    EntityLocation,
	"location":     EntityLocation,
	"users":        EntityUser,
	"user":         EntityUser,
	"durations":    EntityDuration,
	"duration":     EntityDuration,
	"costs":        EntityCost,
	"cost":         EntityCost,
	"mileages":     EntityMileage,
	"mileage":      EntityMileage,
	"fuel":         EntityFuel,
	"fuels":        EntityFuel,
	"statuses":     EntityStatus,
	"status":       EntityStatus,
	"priorities":   EntityPriority,
	"priority":     EntityPriority,
}

// CanonicalEntityKind resolves a model-emitted entity key to its canonical
// kind. Unrecognized keys are returned lowercased so no extraction is lost.
func CanonicalEntityKind(key string) EntityKind {
	k := strings.ToLower(strings.TrimSpace(key))
	if kind, ok := entityAliases[k]; ok {
		return kind
	}
	return EntityKind(k)
}

// CanonicalEntities rewrites a raw extraction map onto canonical kinds,
// merging groups that alias to the same kind.
func CanonicalEntities(raw map[string][]string) map[EntityKind][]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[EntityKind][]string, len(raw))
	for key, vals := range raw {
		kind := CanonicalEntityKind(key)
		out[kind] = append(out[kind], vals...)
	}
	return out
}
