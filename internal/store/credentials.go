package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Credential is a sealed provider API key for one tenant.
type Credential struct {
	Tenant    string    `json:"tenant"`
	Provider  string    `json:"provider"`
	Value     []byte    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveCredential(c *Credential) error {
	_, err := s.db.Exec(`
		INSERT INTO provider_credentials (tenant, provider, value)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant, provider) DO UPDATE SET
			value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		c.Tenant, c.Provider, c.Value)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(tenant, provider string) (*Credential, error) {
	c := &Credential{}
	err := s.db.QueryRow(`
		SELECT tenant, provider, value, updated_at
		FROM provider_credentials WHERE tenant = ? AND provider = ?`, tenant, provider).
		Scan(&c.Tenant, &c.Provider, &c.Value, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns credential metadata for a tenant, without values.
func (s *Store) ListCredentials(tenant string) ([]Credential, error) {
	rows, err := s.db.Query(`
		SELECT tenant, provider, updated_at
		FROM provider_credentials WHERE tenant = ? ORDER BY provider`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.Tenant, &c.Provider, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCredential(tenant, provider string) error {
	_, err := s.db.Exec(`DELETE FROM provider_credentials WHERE tenant = ? AND provider = ?`, tenant, provider)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
