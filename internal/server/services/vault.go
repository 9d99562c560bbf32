// Package services contains the sync engine: the credential vault, the
// database binding registry, the sync status tracker, the recovery detector
// and the reconciliation engine, plus the facade the HTTP API and the CLI
// call.
package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/cryptox"
	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/workspacesync/internal/server/secure"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
)

// CredentialVault stores workspace API keys encrypted at rest and hands out
// decrypted keys as short-lived secrets.
type CredentialVault struct {
	db          dbx.DBTX
	tx          dbx.TxRunner
	repomanager repomanager.RepositoryManager
	clients     workspace.ClientFactory
	masterKey   secure.Secret
	log         logging.Logger
	now         func() time.Time
}

// NewCredentialVault derives the encryption key from cfg. An empty
// encryption secret leaves the vault without key material: every Store and
// Decrypt then fails with common.ErrDecryption.
func NewCredentialVault(db dbx.DBTX, tx dbx.TxRunner, m repomanager.RepositoryManager,
	clients workspace.ClientFactory, cfg *config.Config, log logging.Logger) *CredentialVault {

	v := &CredentialVault{
		db:          db,
		tx:          tx,
		repomanager: m,
		clients:     clients,
		log:         log.With("module", "vault"),
		now:         time.Now,
	}
	if st := secure.Mlock(); st.Available {
		v.log.Debug(context.Background(), "secure memory available", "mlock_limit_kb", st.LimitKB)
	} else {
		v.log.Warn(context.Background(), "mlock limit insufficient, secrets kept in ordinary memory",
			"mlock_limit_kb", st.LimitKB, "required_kb", secure.MinMlockLimitKB)
	}
	if cfg.EncryptionSecret != "" {
		key := cryptox.DeriveKey([]byte(cfg.EncryptionSecret), []byte(cfg.EncryptionSalt))
		v.log.Info(context.Background(), "vault key loaded", "fingerprint", hex.EncodeToString(cryptox.Fingerprint(key)[:8]))
		v.masterKey = secure.New(key)
	}
	return v
}

// Close wipes the vault's key material.
func (v *CredentialVault) Close() {
	if v.masterKey != nil {
		v.masterKey.Destroy()
	}
}

// MaskKey shortens a raw API key to a display hint that cannot be used to
// authenticate.
func MaskKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if utf8.RuneCountInString(raw) <= 11 {
		return strings.Repeat("•", 4)
	}
	r := []rune(raw)
	return string(r[:7]) + "…" + string(r[len(r)-4:])
}

// Store validates rawKey against the workspace, encrypts it and makes it the
// user's only active credential. Older credentials stay stored but inactive.
func (v *CredentialVault) Store(ctx context.Context, userID, rawKey, keyName string) (*models.Credential, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, fmt.Errorf("%w: empty key", common.ErrCredentialValidation)
	}

	// the key has no credential id yet
	candidate := v.clients.New("", func(context.Context) (string, error) { return rawKey, nil })
	identity, err := candidate.Me(ctx)
	if err != nil {
		if errors.Is(err, workspace.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %v", common.ErrCredentialValidation, err)
		}
		return nil, fmt.Errorf("error validating workspace key: %w", err)
	}

	ciphertext, nonce, err := v.encrypt([]byte(rawKey))
	if err != nil {
		return nil, err
	}

	validatedAt := v.now()
	cred := &models.Credential{
		UserID:          userID,
		KeyName:         keyName,
		KeyHint:         MaskKey(rawKey),
		EncryptedKey:    ciphertext,
		Nonce:           nonce,
		IsActive:        true,
		LastValidatedAt: &validatedAt,
	}

	err = v.tx.RunInTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := v.repomanager.Credentials(tx)
		if err := repo.DeactivateAll(ctx, userID); err != nil {
			return err
		}
		var err error
		cred, err = repo.Create(ctx, cred)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error storing credential: %w", err)
	}

	v.log.Info(ctx, "credential stored", "user_id", userID, "credential_id", cred.ID,
		"key_hint", cred.KeyHint, "workspace", identity.WorkspaceName)
	return cred, nil
}

func (v *CredentialVault) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	defer common.WipeByteArray(plaintext)

	if v.masterKey == nil {
		return nil, nil, fmt.Errorf("%w: no encryption key configured", common.ErrDecryption)
	}
	err = v.masterKey.Use(func(key []byte) error {
		var encErr error
		ciphertext, nonce, encErr = cryptox.Encrypt(plaintext, key)
		return encErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return ciphertext, nonce, nil
}

// Decrypt returns the plaintext key of the user's credential. The caller
// owns the returned secret and must Destroy it.
func (v *CredentialVault) Decrypt(ctx context.Context, userID, credentialID string) (secure.Secret, error) {
	cred, err := v.repomanager.Credentials(v.db).GetForUser(ctx, userID, credentialID)
	if err != nil {
		return nil, notConfigured(err)
	}
	return v.decrypt(cred)
}

// Active returns the user's active credential without decrypting it.
func (v *CredentialVault) Active(ctx context.Context, userID string) (*models.Credential, error) {
	cred, err := v.repomanager.Credentials(v.db).GetActive(ctx, userID)
	if err != nil {
		return nil, notConfigured(err)
	}
	return cred, nil
}

// OpenActive returns the user's active credential together with its
// decrypted key. The caller must Destroy the secret.
func (v *CredentialVault) OpenActive(ctx context.Context, userID string) (*models.Credential, secure.Secret, error) {
	cred, err := v.Active(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	secret, err := v.decrypt(cred)
	if err != nil {
		return nil, nil, err
	}
	return cred, secret, nil
}

func (v *CredentialVault) decrypt(cred *models.Credential) (secure.Secret, error) {
	if v.masterKey == nil {
		return nil, fmt.Errorf("%w: no encryption key configured", common.ErrDecryption)
	}

	var plaintext []byte
	err := v.masterKey.Use(func(key []byte) error {
		var decErr error
		plaintext, decErr = cryptox.Decrypt(cred.EncryptedKey, cred.Nonce, key)
		return decErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: credential %s: %v", common.ErrDecryption, cred.ID, err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: credential %s is empty", common.ErrDecryption, cred.ID)
	}
	return secure.New(plaintext), nil
}

// Validate checks a stored credential against the workspace. A rejected key
// is reported as an invalid check, not as an error; last_validated_at only
// moves on success.
func (v *CredentialVault) Validate(ctx context.Context, credentialID string) (*models.CredentialCheck, error) {
	cred, err := v.repomanager.Credentials(v.db).GetByID(ctx, credentialID)
	if err != nil {
		return nil, notConfigured(err)
	}
	return v.validate(ctx, cred)
}

// TestCredential is Validate restricted to the user's own credentials.
func (v *CredentialVault) TestCredential(ctx context.Context, userID, credentialID string) (*models.CredentialCheck, error) {
	cred, err := v.repomanager.Credentials(v.db).GetForUser(ctx, userID, credentialID)
	if err != nil {
		return nil, notConfigured(err)
	}
	return v.validate(ctx, cred)
}

func (v *CredentialVault) validate(ctx context.Context, cred *models.Credential) (*models.CredentialCheck, error) {
	secret, err := v.decrypt(cred)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	check := &models.CredentialCheck{CredentialID: cred.ID}

	identity, err := v.clients.New(cred.ID, secure.TokenProvider(secret)).Me(ctx)
	if err != nil {
		if errors.Is(err, workspace.ErrUnauthorized) {
			check.Error = err.Error()
			v.log.Warn(ctx, "credential rejected", "credential_id", cred.ID, "key_hint", cred.KeyHint)
			return check, nil
		}
		return nil, fmt.Errorf("error validating credential: %w", err)
	}

	at := v.now()
	if err := v.repomanager.Credentials(v.db).TouchValidated(ctx, cred.ID, at); err != nil {
		return nil, err
	}

	check.Valid = true
	check.Workspace = identity.WorkspaceName
	if check.Workspace == "" {
		check.Workspace = identity.Name
	}
	check.ValidatedAt = &at
	return check, nil
}

func notConfigured(err error) error {
	if errors.Is(err, common.ErrorNotFound) {
		return common.ErrCredentialNotConfigured
	}
	return err
}
