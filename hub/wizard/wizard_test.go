package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amurg-ai/entitle/hub/config"
	"github.com/amurg-ai/entitle/pkg/cli"
)

func readConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &cfg
}

func TestRunInteractive(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hub.json")
	input := strings.Join([]string{
		":9090",                     // listen address
		"whsec_from_the_dashboard1", // webhook secret
		"",                          // free tier name
		"25",                        // free credits
		"y",                         // add paid tier
		"price_123",                 // price id
		"starter",                   // tier name
		"200",                       // credits
		"n",                         // no more tiers
		"1",                         // sqlite
		"",                          // default db path
	}, "\n") + "\n"

	w := New(&cli.Prompter{In: strings.NewReader(input), Out: &bytes.Buffer{}})
	if err := w.Run(out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg := readConfig(t, out)
	if cfg.Server.Addr != ":9090" || cfg.Billing.WebhookSecret != "whsec_from_the_dashboard1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Billing.FreeTier.Name != "free" || cfg.Billing.FreeTier.MonthlyCredits != 25 {
		t.Fatalf("unexpected free tier %+v", cfg.Billing.FreeTier)
	}
	if len(cfg.Billing.Tiers) != 1 || cfg.Billing.Tiers[0].PriceID != "price_123" || cfg.Billing.Tiers[0].MonthlyCredits != 200 {
		t.Fatalf("unexpected tiers %+v", cfg.Billing.Tiers)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "entitle.db" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Fatalf("expected generated JWT secret, got %q", cfg.Auth.JWTSecret)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	// The generated file must load.
	if _, err := config.Load(out); err != nil {
		t.Fatalf("Load generated config: %v", err)
	}
}

func TestRunDefaults(t *testing.T) {
	t.Setenv("ENTITLE_ADDR", ":7070")
	t.Setenv("ENTITLE_WEBHOOK_SECRET", "whsec_env_supplied_secret")
	t.Setenv("ENTITLE_FREE_CREDITS", "5")
	t.Setenv("ENTITLE_STORAGE_DSN", filepath.Join(t.TempDir(), "e.db"))

	out := filepath.Join(t.TempDir(), "hub.json")
	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	if err := w.RunDefaults(out); err != nil {
		t.Fatalf("RunDefaults: %v", err)
	}

	cfg := readConfig(t, out)
	if cfg.Server.Addr != ":7070" || cfg.Billing.FreeTier.MonthlyCredits != 5 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Billing.WebhookSecret != "whsec_env_supplied_secret" {
		t.Fatalf("expected env webhook secret, got %q", cfg.Billing.WebhookSecret)
	}
}

func TestRunDefaultsPostgresNeedsDSN(t *testing.T) {
	t.Setenv("ENTITLE_STORAGE_DRIVER", "postgres")
	t.Setenv("ENTITLE_STORAGE_DSN", "")

	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	if err := w.RunDefaults(filepath.Join(t.TempDir(), "hub.json")); err == nil {
		t.Fatal("expected error without DSN")
	}
}
