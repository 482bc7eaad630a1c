package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"merchantd/crypto"
	"merchantd/taler"
)

// DefaultInstanceID is the instance every deployment must configure.
const DefaultInstanceID = "default"

func (c *Config) validate() error {
	if err := taler.CheckCurrency(c.Currency); err != nil {
		return fmt.Errorf("currency: %w", err)
	}
	for name, amount := range map[string]taler.Amount{
		"default_max_wire_fee":    c.DefaultMaxWireFee.Amount,
		"default_max_deposit_fee": c.DefaultMaxDepositFee.Amount,
	} {
		if amount.Currency != c.Currency {
			return fmt.Errorf("%s: currency %q does not match %q", name, amount.Currency, c.Currency)
		}
	}
	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one [instance.*] section is required")
	}
	if _, ok := c.Instances[DefaultInstanceID]; !ok {
		return fmt.Errorf("instance %q must be configured", DefaultInstanceID)
	}
	for id, inst := range c.Instances {
		if err := validateInstance(id, inst); err != nil {
			return err
		}
	}
	for i, ex := range c.Exchanges {
		if err := validateExchange(i, ex); err != nil {
			return err
		}
	}
	return nil
}

func validateInstance(id string, inst Instance) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("instance id must not be empty")
	}
	if strings.TrimSpace(inst.Name) == "" {
		return fmt.Errorf("instance %s: name is required", id)
	}
	if len(inst.Wire) == 0 {
		return fmt.Errorf("instance %s: at least one wire method is required", id)
	}
	for method, wire := range inst.Wire {
		if strings.TrimSpace(method) == "" {
			return fmt.Errorf("instance %s: wire method name must not be empty", id)
		}
		if !json.Valid([]byte(wire.Details)) {
			return fmt.Errorf("instance %s: wire %s: details must be a JSON document", id, method)
		}
	}
	if inst.TipExchange != "" {
		if _, err := url.Parse(inst.TipExchange); err != nil {
			return fmt.Errorf("instance %s: tip_exchange: %w", id, err)
		}
	}
	return nil
}

func validateExchange(i int, ex Exchange) error {
	parsed, err := url.Parse(ex.BaseURL)
	if err != nil || !parsed.IsAbs() {
		return fmt.Errorf("exchange #%d: base_url %q is not an absolute URL", i, ex.BaseURL)
	}
	if ex.MasterKey != "" {
		if _, err := crypto.ParsePublicKey(ex.MasterKey); err != nil {
			return fmt.Errorf("exchange #%d: master_key: %w", i, err)
		}
	}
	return nil
}

func zeroAmount(currency string) taler.Amount {
	return taler.Zero(currency)
}
