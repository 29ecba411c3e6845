// Package main implements the administrative CLI for the client-credential
// store: generate, revoke, enable, list, and stats subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	glog "github.com/Laisky/go-utils/v6/log"
	gutils "github.com/Laisky/go-utils/v6"
	"github.com/Laisky/zap"
	_ "github.com/joho/godotenv/autoload"

	"github.com/cerebras-proxy/cerebras-proxy/internal/authstore"
)

func main() {
	logger, err := glog.NewConsoleWithName("cerebras-proxy-admin", glog.LevelInfo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %+v\n", err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	dsn := os.Getenv("INCOMING_KEY_DB")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "INCOMING_KEY_DB must be set")
		os.Exit(1)
	}

	store, err := authstore.Open(dsn, logger)
	if err != nil {
		logger.Error("failed to open client credential store", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	command := strings.ToLower(strings.TrimSpace(os.Args[1]))

	var execErr error
	switch command {
	case "generate":
		execErr = generate(ctx, store, os.Args[2:])
	case "revoke":
		execErr = revoke(ctx, store, os.Args[2:])
	case "enable":
		execErr = enable(ctx, store, os.Args[2:])
	case "list":
		execErr = list(ctx, store)
	case "stats":
		execErr = stats(ctx, store, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if execErr != nil {
		logger.Error("command failed", zap.String("command", command), zap.Error(execErr))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <generate|revoke|enable|list|stats> [args]")
}

func generate(ctx context.Context, store *authstore.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: admin generate <name>")
	}
	name := args[0]
	token := "cbp-" + gutils.UUID7()
	if err := store.Generate(ctx, name, token); err != nil {
		return err
	}
	fmt.Printf("generated credential %q: %s\n", name, token)
	return nil
}

func revoke(ctx context.Context, store *authstore.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: admin revoke <token>")
	}
	if err := store.Revoke(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("revoked")
	return nil
}

func enable(ctx context.Context, store *authstore.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: admin enable <token>")
	}
	if err := store.Enable(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("enabled")
	return nil
}

func list(ctx context.Context, store *authstore.Store) error {
	creds, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, c := range creds {
		fmt.Printf("%d\t%s\trevoked=%v\trequests=%d\n", c.ID, c.Name, c.Revoked, c.RequestCount)
	}
	return nil
}

func stats(ctx context.Context, store *authstore.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: admin stats <name>")
	}
	cred, err := store.Stats(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("name=%s requests=%d revoked=%v last_used=%v\n", cred.Name, cred.RequestCount, cred.Revoked, cred.LastUsedAt)
	return nil
}
