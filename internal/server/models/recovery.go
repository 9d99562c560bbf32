package models

// BindingHealth summarizes the local state of one bound entity type.
type BindingHealth struct {
	EntityType         EntityType `json:"entity_type"`
	ExternalDatabaseID string     `json:"external_database_id"`
	DatabaseName       string     `json:"database_name"`
	InternalCount      int        `json:"internal_count"`
	FailedCount        int        `json:"failed_count"`
	ExternalExists     bool       `json:"external_exists"`
}

// RecoveryScenario tells the caller whether a recovery pass is needed.
type RecoveryScenario struct {
	NeedsRecovery bool            `json:"needs_recovery"`
	Reason        string          `json:"reason"`
	EmptyCount    int             `json:"empty_count"`
	FailedCount   int             `json:"failed_count"`
	Bindings      []BindingHealth `json:"bindings"`
}
