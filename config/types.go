package config

import (
	"fmt"
	"time"

	"merchantd/taler"
)

// Duration wraps time.Duration so TOML values can be written as "2h" or "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Amount wraps taler.Amount so TOML values can be written as "KUDOS:0.10".
type Amount struct {
	taler.Amount
}

func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := taler.ParseAmount(string(text))
	if err != nil {
		return err
	}
	a.Amount = parsed
	return nil
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.Amount.String()), nil
}

// Config is the merchantd configuration file.
type Config struct {
	Currency                   string   `toml:"currency"`
	Listen                     string   `toml:"listen"`
	Database                   string   `toml:"database"`
	WireTransferDelay          Duration `toml:"wire_transfer_delay"`
	DefaultPayDeadline         Duration `toml:"default_pay_deadline"`
	DefaultMaxWireFee          Amount   `toml:"default_max_wire_fee"`
	DefaultMaxDepositFee       Amount   `toml:"default_max_deposit_fee"`
	DefaultWireFeeAmortization uint32   `toml:"default_wire_fee_amortization"`
	TipExpiration              Duration `toml:"tip_expiration"`

	Admin     Admin               `toml:"admin"`
	RateLimit RateLimit           `toml:"ratelimit"`
	Instances map[string]Instance `toml:"instance"`
	Exchanges []Exchange          `toml:"exchange"`

	// Path the configuration was loaded from; used to resolve relative
	// keyfile locations. Not a file setting.
	Path string `toml:"-"`
}

// Admin guards the private HTTP endpoints. An empty bearer token leaves them
// open, which is only acceptable in development setups.
type Admin struct {
	BearerToken string `toml:"bearer_token"`
}

// RateLimit configures the per-client limiter on the public endpoints.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"requests_per_minute"`
	Burst             int     `toml:"burst"`
}

// Instance configures one merchant identity.
type Instance struct {
	Name              string          `toml:"name"`
	Keyfile           string          `toml:"keyfile"`
	TipExchange       string          `toml:"tip_exchange"`
	TipReserveKeyfile string          `toml:"tip_reserve_keyfile"`
	Wire              map[string]Wire `toml:"wire"`
}

// Wire holds the wire details document for one wire method of an instance.
type Wire struct {
	Details string `toml:"details"`
}

// Exchange pre-registers an exchange with the session registry. A master key
// marks the exchange as trusted once the advertised key matches.
type Exchange struct {
	BaseURL   string `toml:"base_url"`
	MasterKey string `toml:"master_key"`
}
