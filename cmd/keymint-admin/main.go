// Command keymint-admin is the operator CLI: signing key management,
// license issuance, and revocation without going through the HTTP
// surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/internal/keystore"
	"keymint/internal/license"
	"keymint/internal/store"
)

const usage = `Usage: keymint-admin <command> [flags]

Commands:
  keys generate      Generate the RSA signing key pair
  license generate   Issue a new license key with a signed token
  license revoke     Revoke an issued license key

Run "keymint-admin <command> -h" for command flags.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "keymint-admin: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if _, err := infrastructure.InitializeLogger(cfg.Logging); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	switch args[0] {
	case "keys":
		if len(args) < 2 || args[1] != "generate" {
			return fmt.Errorf("unknown keys subcommand, want: keys generate")
		}
		return keysGenerate(cfg, args[2:])
	case "license":
		if len(args) < 2 {
			return fmt.Errorf("unknown license subcommand, want: generate or revoke")
		}
		switch args[1] {
		case "generate":
			return licenseGenerate(cfg, args[2:])
		case "revoke":
			return licenseRevoke(cfg, args[2:])
		default:
			return fmt.Errorf("unknown license subcommand %q", args[1])
		}
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func keysGenerate(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("keys generate", flag.ContinueOnError)
	dir := fs.String("dir", cfg.Keys.Dir, "key store directory")
	force := fs.Bool("force", false, "replace an existing pair (invalidates all issued tokens)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := keystore.Generate(*dir, *force, infrastructure.GetLogger()); err != nil {
		return err
	}
	fmt.Printf("signing key pair written to %s\n", *dir)
	return nil
}

func licenseGenerate(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("license generate", flag.ContinueOnError)
	customerName := fs.String("customer", "", "customer name")
	customerEmail := fs.String("email", "", "customer email")
	licenseType := fs.String("type", "standard", "license type")
	maxActivations := fs.Int("max-activations", 1, "activation ceiling")
	expiresInDays := fs.Int("expires-in-days", 0, "days until expiry (0 = perpetual)")
	features := fs.String("features", "", "comma-separated feature list")
	creditLimit := fs.Int("credit-limit", 0, "usage credit limit (0 = unlimited)")
	fingerprintArg := fs.String("fingerprint", "", "pre-bind to this installation fingerprint")
	signatureArg := fs.String("signature", "", "pre-bind to this hardware signature")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, custodian, err := openIssuerDeps(cfg)
	if err != nil {
		return err
	}

	issuer := license.NewIssuer(db, custodian, nil, infrastructure.GetLogger())

	var featureList []string
	if *features != "" {
		for _, f := range strings.Split(*features, ",") {
			if f = strings.TrimSpace(f); f != "" {
				featureList = append(featureList, f)
			}
		}
	}

	result, err := issuer.Generate(context.Background(), license.GenerateRequest{
		CustomerName:      *customerName,
		CustomerEmail:     *customerEmail,
		LicenseType:       *licenseType,
		MaxActivations:    *maxActivations,
		ExpiresInDays:     *expiresInDays,
		Features:          featureList,
		CreditLimit:       *creditLimit,
		DeviceFingerprint: *fingerprintArg,
		HardwareSignature: *signatureArg,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func licenseRevoke(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("license revoke", flag.ContinueOnError)
	key := fs.String("key", "", "license key to revoke")
	reason := fs.String("reason", "", "why the license is being revoked")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" || *reason == "" {
		return fmt.Errorf("both -key and -reason are required")
	}

	db, custodian, err := openIssuerDeps(cfg)
	if err != nil {
		return err
	}

	issuer := license.NewIssuer(db, custodian, nil, infrastructure.GetLogger())
	if err := issuer.Revoke(context.Background(), *key, *reason); err != nil {
		return err
	}
	fmt.Printf("license %s revoked\n", *key)
	return nil
}

func openIssuerDeps(cfg *config.Config) (*store.Store, *keystore.FileCustodian, error) {
	db, err := store.Open(cfg.Database.Path, infrastructure.GetLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("opening record store: %w", err)
	}
	custodian, err := keystore.Load(cfg.Keys.Dir, infrastructure.GetLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("loading signing keys: %w", err)
	}
	return db, custodian, nil
}
