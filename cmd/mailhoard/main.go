package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mailhoard/mailhoard/internal/blob"
	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/index"
	"github.com/mailhoard/mailhoard/internal/logging"
	"github.com/mailhoard/mailhoard/internal/model"
	"github.com/mailhoard/mailhoard/internal/store"
)

func usage() {
	fmt.Fprintf(os.Stderr, `mailhoard archives mailboxes into a local message store.

Usage:
  mailhoard [flags] <command> [args]

Commands:
  run          start the sync scheduler for all enabled sources
  sources      list configured sources
  add          add a source interactively
  remove <id>  unregister a source and its archived metadata
  auth <id>    run or restart authorization for a source
  sync <id>    run one sync cycle for a source now
  status       show per-source state and recent sync runs

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	flag.Usage = usage
	flag.Parse()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailhoard: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		err = cmdRun(cfg)
	case "sources":
		err = cmdSources(cfg)
	case "add":
		err = cmdAdd(cfg)
	case "remove":
		err = cmdRemove(cfg, args[1:])
	case "auth":
		err = cmdAuth(cfg, args[1:])
	case "sync":
		err = cmdSync(cfg, args[1:])
	case "status":
		err = cmdStatus(cfg)
	default:
		fmt.Fprintf(os.Stderr, "mailhoard: unknown command %q\n", args[0])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailhoard: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the opened stores every command works against.
type app struct {
	cfg   *model.AppConfig
	store *store.SQLiteStore
	blobs *blob.FSStore
	vault *credential.Vault
	idx   index.Index
}

func openApp(cfg *model.AppConfig) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewFSStore(cfg.Storage.BlobRoot)
	if err != nil {
		st.Close()
		return nil, err
	}

	vault, err := openVault()
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:   cfg,
		store: st,
		blobs: blobs,
		vault: vault,
		idx:   index.Noop{},
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

// vaultKeyName is the keyring entry holding the crypter passphrase. It
// is generated once per installation.
const vaultKeyName = "vault-key"

func openVault() (*credential.Vault, error) {
	ks, err := credential.NewKeyringStore()
	if err != nil {
		return nil, err
	}

	key, ok, err := ks.Get(vaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("reading vault key: %w", err)
	}
	if !ok {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generating vault key: %w", err)
		}
		key = hex.EncodeToString(raw)
		if err := ks.Set(vaultKeyName, key); err != nil {
			return nil, fmt.Errorf("storing vault key: %w", err)
		}
	}

	crypter, err := credential.NewCrypter(key)
	if err != nil {
		return nil, err
	}
	return credential.NewVault(ks, crypter), nil
}
