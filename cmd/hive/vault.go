package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("HIVE_VAULT_PASSPHRASE environment variable is required")
	}

	v, err := vault.New(cfg.Vault.Passphrase)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	return vaultCommand(os.Stdout, db, v, args)
}

func vaultCommand(out io.Writer, db *store.Store, v *vault.Vault, args []string) error {
	switch args[0] {
	case "list":
		return vaultList(out, db)
	case "set":
		return vaultSet(out, db, v, args[1:])
	case "get":
		return vaultGet(out, db, v, args[1:])
	case "delete":
		return vaultDelete(out, db, args[1:])
	case "assign":
		return vaultAssign(out, db, args[1:])
	case "unassign":
		return vaultUnassign(out, db, args[1:])
	case "global":
		return vaultGlobal(out, db, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hive vault <command>

Commands:
  list                                               List all secrets (metadata only)
  set <name> --value <str> [--description <text>]    Store a secret from a string
  set <name> --file <path> [--description <text>]    Store a secret from a file
  get <name>                                         Retrieve and decrypt a secret
  delete <name>                                      Delete a secret
  assign <name> --worker <type>                      Expose a secret to a worker type
  unassign <name> --worker <type>                    Remove a secret from a worker type
  global <name> --enable|--disable                   Toggle access for every worker type

Environment:
  HIVE_VAULT_PASSPHRASE                              Required. Encryption passphrase.
`)
}

func vaultList(out io.Writer, db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Fprintln(out, "No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tGLOBAL\tDESCRIPTION\tWORKERS")
	for _, s := range secrets {
		global := ""
		if s.Global {
			global = "yes"
		}
		types, err := db.GetSecretWorkerTypes(s.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, global, s.Description, strings.Join(types, ", "))
	}
	return w.Flush()
}

func vaultSet(out io.Writer, db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: hive vault set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value []byte
	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	ciphertext, nonce, err := v.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	sec := &store.Secret{
		ID:          name,
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	}

	// Updating a secret keeps its global flag.
	existing, err := db.GetSecret(name)
	if err != nil {
		return err
	}
	if existing != nil {
		sec.Global = existing.Global
		if description == "" {
			sec.Description = existing.Description
		}
	}

	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Fprintf(out, "Secret %q saved\n", name)
	return nil
}

func vaultGet(out io.Writer, db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive vault get <name>")
	}

	sec, err := db.GetSecret(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	fmt.Fprint(out, string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Fprintln(out)
	}
	return nil
}

func vaultDelete(out io.Writer, db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive vault delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Secret %q deleted\n", args[0])
	return nil
}

func vaultAssign(out io.Writer, db *store.Store, args []string) error {
	if len(args) < 3 || args[1] != "--worker" {
		return fmt.Errorf("usage: hive vault assign <name> --worker <type>")
	}
	sec, err := db.GetSecret(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}
	if err := db.AddWorkerSecret(args[2], args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Secret %q assigned to worker type %q\n", args[0], args[2])
	return nil
}

func vaultUnassign(out io.Writer, db *store.Store, args []string) error {
	if len(args) < 3 || args[1] != "--worker" {
		return fmt.Errorf("usage: hive vault unassign <name> --worker <type>")
	}
	if err := db.RemoveWorkerSecret(args[2], args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Secret %q unassigned from worker type %q\n", args[0], args[2])
	return nil
}

func vaultGlobal(out io.Writer, db *store.Store, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: hive vault global <name> --enable|--disable")
	}

	name := args[0]
	sec, err := db.GetSecret(name)
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", name)
	}

	switch args[1] {
	case "--enable":
		sec.Global = true
	case "--disable":
		sec.Global = false
	default:
		return fmt.Errorf("expected --enable or --disable, got %s", args[1])
	}

	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Fprintf(out, "Secret %q global=%v\n", name, sec.Global)
	return nil
}
