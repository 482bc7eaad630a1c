package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `currency = "KUDOS"
listen = ":9966"
wire_transfer_delay = "3h"
default_max_wire_fee = "KUDOS:0.10"
default_max_deposit_fee = "KUDOS:0.10"
default_wire_fee_amortization = 10

[admin]
bearer_token = "secret-token"

[instance.default]
name = "Kudos Inc."
  [instance.default.wire.x-taler-bank]
  details = '{"payto_uri":"payto://x-taler-bank/bank/42","salt":"e7x"}'

[[exchange]]
base_url = "https://exchange.example/"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "merchant.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Currency != "KUDOS" {
		t.Fatalf("currency: %q", cfg.Currency)
	}
	if cfg.WireTransferDelay.Duration != 3*time.Hour {
		t.Fatalf("wire_transfer_delay: %v", cfg.WireTransferDelay.Duration)
	}
	if cfg.DefaultMaxWireFee.String() != "KUDOS:0.1" {
		t.Fatalf("default_max_wire_fee: %s", cfg.DefaultMaxWireFee)
	}
	if cfg.Admin.BearerToken != "secret-token" {
		t.Fatalf("bearer token: %q", cfg.Admin.BearerToken)
	}
	inst, ok := cfg.Instances["default"]
	if !ok {
		t.Fatal("default instance missing")
	}
	if inst.Keyfile == "" || !strings.HasSuffix(inst.Keyfile, "default.key") {
		t.Fatalf("keyfile default: %q", inst.Keyfile)
	}
	if len(cfg.Exchanges) != 1 || cfg.Exchanges[0].BaseURL != "https://exchange.example/" {
		t.Fatalf("exchanges: %+v", cfg.Exchanges)
	}
}

func TestLoadDefaults(t *testing.T) {
	minimal := `currency = "KUDOS"

[instance.default]
name = "Shop"
  [instance.default.wire.x-taler-bank]
  details = '{"payto_uri":"payto://x-taler-bank/bank/1"}'
`
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9966" {
		t.Fatalf("listen default: %q", cfg.Listen)
	}
	if cfg.DefaultPayDeadline.Duration != 2*time.Hour {
		t.Fatalf("pay deadline default: %v", cfg.DefaultPayDeadline.Duration)
	}
	if cfg.DefaultWireFeeAmortization != 1 {
		t.Fatalf("amortization default: %d", cfg.DefaultWireFeeAmortization)
	}
	if cfg.TipExpiration.Duration != 24*time.Hour {
		t.Fatalf("tip expiration default: %v", cfg.TipExpiration.Duration)
	}
	if got := cfg.DefaultMaxWireFee.Amount; got.Currency != "KUDOS" || !got.IsZero() {
		t.Fatalf("max wire fee default: %v", got)
	}
	if cfg.RateLimit.RequestsPerMinute != 600 || cfg.RateLimit.Burst != 50 {
		t.Fatalf("ratelimit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Database == "" {
		t.Fatal("database default missing")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	contents := sampleConfig + "\nnot_a_setting = true\n"
	if _, err := Load(writeConfig(t, contents)); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsMissingDefaultInstance(t *testing.T) {
	contents := `currency = "KUDOS"

[instance.shop]
name = "Shop"
  [instance.shop.wire.x-taler-bank]
  details = '{"payto_uri":"payto://x-taler-bank/bank/1"}'
`
	if _, err := Load(writeConfig(t, contents)); err == nil || !strings.Contains(err.Error(), "default") {
		t.Fatalf("expected missing default error, got %v", err)
	}
}

func TestLoadRejectsCurrencyMismatch(t *testing.T) {
	contents := `currency = "KUDOS"
default_max_wire_fee = "EUR:0.10"

[instance.default]
name = "Shop"
  [instance.default.wire.x-taler-bank]
  details = '{"payto_uri":"payto://x-taler-bank/bank/1"}'
`
	if _, err := Load(writeConfig(t, contents)); err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("expected currency mismatch error, got %v", err)
	}
}

func TestLoadRejectsBadWireDetails(t *testing.T) {
	contents := `currency = "KUDOS"

[instance.default]
name = "Shop"
  [instance.default.wire.x-taler-bank]
  details = 'not json'
`
	if _, err := Load(writeConfig(t, contents)); err == nil || !strings.Contains(err.Error(), "JSON") {
		t.Fatalf("expected wire details error, got %v", err)
	}
}

func TestLoadRejectsBadMasterKey(t *testing.T) {
	contents := sampleConfig + `
[[exchange]]
base_url = "https://other.example/"
master_key = "not-a-key"
`
	if _, err := Load(writeConfig(t, contents)); err == nil || !strings.Contains(err.Error(), "master_key") {
		t.Fatalf("expected master key error, got %v", err)
	}
}
