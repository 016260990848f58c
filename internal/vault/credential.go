package vault

import (
	"encoding/json"
	"time"

	"storysync/internal/sync/domain"
)

// CredentialState classifies how usable an access token is right now.
// Refresh is an explicit step driven by the orchestrator, not a retry-on-401
// side effect, so failures stay attributable to the refresh call.
type CredentialState int

const (
	CredentialValid CredentialState = iota
	CredentialExpiringSoon
	CredentialExpired
)

// Tokens within this window of expiry are refreshed before use.
const expiryMargin = 2 * time.Minute

// Credential is the decrypted token material. It exists in cleartext only in
// process memory, for the duration of the API calls that need it.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// State reports whether the access token can be used as-is.
func (c *Credential) State() CredentialState {
	switch {
	case c.AccessToken == "" || !c.Expiry.After(time.Now()):
		return CredentialExpired
	case time.Until(c.Expiry) < expiryMargin:
		return CredentialExpiringSoon
	default:
		return CredentialValid
	}
}

// SealCredential serializes and encrypts a credential for storage.
func (v *Vault) SealCredential(cred *Credential) (string, error) {
	raw, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}
	return v.Seal(raw)
}

// OpenCredential decrypts and deserializes a stored credential blob.
func (v *Vault) OpenCredential(blob string) (*Credential, error) {
	raw, err := v.Open(blob)
	if err != nil {
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, &domain.DecryptionError{Reason: "sealed blob does not contain a credential"}
	}
	return &cred, nil
}
