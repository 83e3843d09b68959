package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/store"
	"github.com/mtzanidakis/sitescope/internal/vault"
)

func runCredentials(args []string) error {
	if len(args) == 0 {
		printCredentialsUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("SITESCOPE_VAULT_PASSPHRASE environment variable is required")
	}
	v, err := vault.New(cfg.Vault.Passphrase)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	keyring := vault.NewKeyring(db, v)

	switch args[0] {
	case "list":
		return credentialsList(db, args[1:])
	case "set":
		return credentialsSet(keyring, args[1:])
	case "get":
		return credentialsGet(keyring, args[1:])
	case "delete":
		return credentialsDelete(keyring, args[1:])
	default:
		printCredentialsUsage()
		return fmt.Errorf("unknown credentials command: %s", args[0])
	}
}

func printCredentialsUsage() {
	fmt.Fprintf(os.Stderr, `Usage: sitescope credentials <command>

Commands:
  list <tenant>                          List a tenant's provider keys (metadata only)
  set <tenant> <provider> --key <value>  Store a provider API key
  get <tenant> <provider>                Decrypt and print a provider API key
  delete <tenant> <provider>             Delete a provider API key

Environment:
  SITESCOPE_VAULT_PASSPHRASE             Required. Encryption passphrase.
`)
}

func credentialsList(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: sitescope credentials list <tenant>")
	}
	creds, err := db.ListCredentials(args[0])
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		fmt.Println("No credentials stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tUPDATED")
	for _, c := range creds {
		fmt.Fprintf(w, "%s\t%s\n", c.Provider, c.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func credentialsSet(k *vault.Keyring, args []string) error {
	if len(args) < 4 || args[2] != "--key" || args[3] == "" {
		return fmt.Errorf("usage: sitescope credentials set <tenant> <provider> --key <value>")
	}
	if err := k.Put(args[0], args[1], args[3]); err != nil {
		return err
	}
	fmt.Printf("Key for %s/%s saved\n", args[0], args[1])
	return nil
}

func credentialsGet(k *vault.Keyring, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: sitescope credentials get <tenant> <provider>")
	}
	key, err := k.APIKey(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("no key stored for %s/%s", args[0], args[1])
	}
	fmt.Println(key)
	return nil
}

func credentialsDelete(k *vault.Keyring, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: sitescope credentials delete <tenant> <provider>")
	}
	if err := k.Delete(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Key for %s/%s deleted\n", args[0], args[1])
	return nil
}
