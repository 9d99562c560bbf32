package models

import "time"

// DatabaseBinding links one entity type of a user to an external database.
// A user has at most one binding per entity type.
type DatabaseBinding struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	EntityType           EntityType `json:"entity_type"`
	ExternalDatabaseID   string     `json:"external_database_id"`
	ExternalDatabaseName string     `json:"external_database_name"`
	RootPageID           string     `json:"root_page_id"`
	CreatedAt            time.Time  `json:"created_at"`
}
