package models

import "time"

// Credential is an encrypted workspace API key owned by one user.
// At most one credential per user is active.
type Credential struct {
	ID              string
	UserID          string
	KeyName         string
	KeyHint         string
	EncryptedKey    []byte
	Nonce           []byte
	IsActive        bool
	LastValidatedAt *time.Time
	CreatedAt       time.Time
}

// CredentialCheck is the outcome of validating a stored credential.
type CredentialCheck struct {
	CredentialID string     `json:"credential_id"`
	Valid        bool       `json:"valid"`
	Workspace    string     `json:"workspace,omitempty"`
	Error        string     `json:"error,omitempty"`
	ValidatedAt  *time.Time `json:"validated_at,omitempty"`
}
