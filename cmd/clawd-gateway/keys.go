// ABOUTME: keys and token subcommands that manage credentials directly in the gateway database
// ABOUTME: Keys are created, listed, and revoked through auth.KeyManager over the SQLite store

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/clawd-gateway/internal/auth"
	"github.com/2389/clawd-gateway/internal/config"
	"github.com/2389/clawd-gateway/internal/store"
)

// openKeyManager opens the configured database for key management.
func openKeyManager(cfg *config.Config) (*auth.KeyManager, func(), error) {
	if cfg.Database.Path == "" {
		return nil, nil, errors.New("database.path must be set to manage keys outside a running gateway")
	}
	logger := setupLogger(config.LoggingConfig{Level: "warn"}, os.Stderr)
	s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return auth.NewKeyManager(s, logger), func() { _ = s.Close() }, nil
}

func runKeys(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: clawd-gateway keys <create|list|revoke>")
	}

	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}
	keys, closeStore, err := openKeyManager(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	switch args[0] {
	case "create":
		return runKeysCreate(ctx, keys, args[1:], os.Stdout)
	case "list":
		return runKeysList(ctx, keys, os.Stdout)
	case "revoke":
		if len(args) != 2 {
			return errors.New("usage: clawd-gateway keys revoke ID")
		}
		if err := keys.Revoke(ctx, args[1]); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ Revoked key %s\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown keys command: %s", args[0])
	}
}

func runKeysCreate(ctx context.Context, keys *auth.KeyManager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keys create", flag.ContinueOnError)
	fs.SetOutput(out)
	name := fs.String("name", "", "key name (required)")
	perms := fs.String("permissions", "read,write", "comma-separated permissions: read, write, admin")
	rateLimit := fs.Int("rate-limit", 0, "requests per minute, 0 for the gateway default")
	expires := fs.Duration("expires", 0, "lifetime such as 720h, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if *rateLimit < 0 || *expires < 0 {
		return errors.New("--rate-limit and --expires must not be negative")
	}

	permissions, err := parsePermissions(*perms)
	if err != nil {
		return err
	}
	opts := auth.CreateKeyOptions{Name: *name, Permissions: permissions, RateLimit: *rateLimit, ExpiresIn: *expires}

	raw, key, err := keys.Create(ctx, opts)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Fprintf(out, "  ✓ Created key %s (%s)\n", key.Name, key.ID)
	yellow.Fprintln(out, "  Store this key now, it is not shown again:")
	fmt.Fprintf(out, "    %s\n", raw)
	return nil
}

func runKeysList(ctx context.Context, keys *auth.KeyManager, out io.Writer) error {
	list, err := keys.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no keys")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPERMISSIONS\tSTATUS\tCREATED\tLAST USED")
	now := time.Now()
	for _, k := range list {
		perms := make([]string, len(k.Permissions))
		for i, p := range k.Permissions {
			perms[i] = string(p)
		}
		status := "active"
		switch {
		case !k.Enabled:
			status = "revoked"
		case !k.Valid(now):
			status = "expired"
		}
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			k.ID, k.Name, strings.Join(perms, ","), status, k.CreatedAt.Format(time.DateTime), lastUsed)
	}
	return tw.Flush()
}

// runToken mints a JWT signed with auth.jwt_secret.
func runToken(args []string) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	return mintToken(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), args, os.Stdout)
}

func mintToken(v *auth.JWTVerifier, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "caller identity placed in the sub claim (required)")
	perms := fs.String("permissions", "read,write", "comma-separated permissions: read, write, admin")
	rateLimit := fs.Int("rate-limit", 0, "requests per minute, 0 for the gateway default")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("--subject is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}
	if *rateLimit < 0 {
		return errors.New("--rate-limit must not be negative")
	}

	permissions, err := parsePermissions(*perms)
	if err != nil {
		return err
	}

	token, err := v.Generate(auth.Grant{Subject: *subject, Permissions: permissions, RateLimit: *rateLimit}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func parsePermissions(list string) ([]auth.Permission, error) {
	var out []auth.Permission
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		perm, err := auth.ParsePermission(p)
		if err != nil {
			return nil, err
		}
		out = append(out, perm)
	}
	return out, nil
}
