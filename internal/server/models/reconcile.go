package models

// Resolution is the action taken for one external record during
// reconciliation.
type Resolution string

const (
	ResolutionKeepInternal  Resolution = "keep_internal"
	ResolutionAdoptExternal Resolution = "adopt_external"
	ResolutionMergeSkip     Resolution = "merge_skip"
)

// ConflictDecision records how one external record was resolved against its
// internal counterpart.
type ConflictDecision struct {
	ExternalRecordID string     `json:"external_record_id"`
	InternalID       string     `json:"internal_id,omitempty"`
	Resolution       Resolution `json:"resolution"`
	Fields           []string   `json:"fields,omitempty"`
}

// BindingStatus is the outcome of reconciling one binding.
type BindingStatus string

const (
	BindingOK        BindingStatus = "ok"
	BindingPartial   BindingStatus = "partial"
	BindingTruncated BindingStatus = "truncated"
	BindingStale     BindingStatus = "stale"
	BindingFailed    BindingStatus = "failed"
	BindingAborted   BindingStatus = "aborted"
	BindingCanceled  BindingStatus = "canceled"
)

// BindingResult is the per-binding part of a ReconcileSummary.
type BindingResult struct {
	EntityType         EntityType         `json:"entity_type"`
	ExternalDatabaseID string             `json:"external_database_id"`
	Status             BindingStatus      `json:"status"`
	Fetched            int                `json:"fetched"`
	Inserted           int                `json:"inserted"`
	Adopted            int                `json:"adopted"`
	Unchanged          int                `json:"unchanged"`
	Conflicts          int                `json:"conflicts"`
	Skipped            int                `json:"skipped"`
	Truncated          bool               `json:"truncated"`
	Error              string             `json:"error,omitempty"`
	Decisions          []ConflictDecision `json:"decisions,omitempty"`
}

// ReconcileSummary is returned for every reconciliation run, including
// partial and aborted ones.
type ReconcileSummary struct {
	RunID    string          `json:"run_id"`
	UserID   string          `json:"user_id"`
	Bindings []BindingResult `json:"bindings"`
	Inserted int             `json:"inserted"`
	Adopted  int             `json:"adopted"`
	Skipped  int             `json:"skipped"`
	Failed   int             `json:"failed"`
	Aborted  bool            `json:"aborted"`
}

// Tally recomputes the run-level totals from Bindings.
func (s *ReconcileSummary) Tally() {
	s.Inserted, s.Adopted, s.Skipped, s.Failed = 0, 0, 0, 0
	for _, b := range s.Bindings {
		s.Inserted += b.Inserted
		s.Adopted += b.Adopted
		s.Skipped += b.Skipped
		switch b.Status {
		case BindingFailed, BindingStale, BindingAborted, BindingCanceled:
			s.Failed++
		}
	}
}
