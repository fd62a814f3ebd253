package credential

import (
	"fmt"
	"time"
)

// Credentials is the secret material one source authenticates with.
// OAuth sources carry tokens; static sources carry a login.
type Credentials struct {
	RefreshToken string    `json:"refresh_token,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	TokenExpiry  time.Time `json:"token_expiry,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Account is the mailbox address resolved during authorization.
	Account string `json:"account,omitempty"`
}

// Vault stores per-source credentials encrypted at rest.
type Vault struct {
	store   Store
	crypter *Crypter
}

// NewVault combines a backing store with a crypter.
func NewVault(store Store, crypter *Crypter) *Vault {
	return &Vault{store: store, crypter: crypter}
}

func sourceKey(sourceID string) string {
	return "source-" + sourceID
}

// Save encrypts and stores the credentials for a source, replacing any
// previous value.
func (v *Vault) Save(sourceID string, c Credentials) error {
	ciphertext, err := v.crypter.EncryptObject(c)
	if err != nil {
		return fmt.Errorf("encrypting credentials for source %s: %w", sourceID, err)
	}
	return v.store.Set(sourceKey(sourceID), ciphertext)
}

// Load decrypts the credentials for a source. The second return reports
// whether any were stored.
func (v *Vault) Load(sourceID string) (Credentials, bool, error) {
	ciphertext, ok, err := v.store.Get(sourceKey(sourceID))
	if err != nil || !ok {
		return Credentials{}, ok, err
	}

	var c Credentials
	if err := v.crypter.DecryptObject(ciphertext, &c); err != nil {
		return Credentials{}, false, fmt.Errorf("decrypting credentials for source %s: %w", sourceID, err)
	}
	return c, true, nil
}

// Delete removes a source's credentials.
func (v *Vault) Delete(sourceID string) error {
	return v.store.Delete(sourceKey(sourceID))
}
