// Package models contains the domain types shared by repositories, services
// and the HTTP layer.
package models

import "slices"

// EntityType names a kind of internal record that can be recovered from a
// workspace database.
type EntityType string

const (
	EntityTasks           EntityType = "tasks"
	EntityRules           EntityType = "rules"
	EntityContracts       EntityType = "contracts"
	EntityJournalEntries  EntityType = "journal_entries"
	EntityCalendarEvents  EntityType = "calendar_events"
	EntityIdeas           EntityType = "ideas"
	EntityGeneratedImages EntityType = "generated_images"
	EntityCharacters      EntityType = "characters"

	// EntityUnknown marks a database whose title matched no classification
	// rule. Such databases are never bound.
	EntityUnknown EntityType = "unknown"
)

// AllEntityTypes lists every bindable entity type in ascending order.
var AllEntityTypes = []EntityType{
	EntityCalendarEvents,
	EntityCharacters,
	EntityContracts,
	EntityGeneratedImages,
	EntityIdeas,
	EntityJournalEntries,
	EntityRules,
	EntityTasks,
}

// Valid reports whether t is a bindable entity type.
func (t EntityType) Valid() bool {
	return slices.Contains(AllEntityTypes, t)
}
