package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtzanidakis/sitescope/internal/store"
)

var ErrNoVault = errors.New("credential storage disabled: vault passphrase not set")

// Keyring stores per-tenant provider keys sealed in the database. A nil
// vault disables storage; lookups then always miss.
type Keyring struct {
	store *store.Store
	vault *Vault
}

func NewKeyring(s *store.Store, v *Vault) *Keyring {
	return &Keyring{store: s, vault: v}
}

func credentialAAD(tenant, provider string) []byte {
	return []byte(tenant + "\x00" + provider)
}

// Put seals and stores key for (tenant, provider).
func (k *Keyring) Put(tenant, provider, key string) error {
	if k.vault == nil {
		return ErrNoVault
	}
	sealed, err := k.vault.Seal([]byte(key), credentialAAD(tenant, provider))
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	return k.store.SaveCredential(&store.Credential{Tenant: tenant, Provider: provider, Value: sealed})
}

// APIKey returns the stored key, or "" when none is stored.
func (k *Keyring) APIKey(_ context.Context, tenant, provider string) (string, error) {
	if k.vault == nil {
		return "", nil
	}
	c, err := k.store.GetCredential(tenant, provider)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", nil
	}
	plain, err := k.vault.Open(c.Value, credentialAAD(tenant, provider))
	if err != nil {
		return "", fmt.Errorf("open credential %s/%s: %w", tenant, provider, err)
	}
	return string(plain), nil
}

func (k *Keyring) Delete(tenant, provider string) error {
	return k.store.DeleteCredential(tenant, provider)
}
