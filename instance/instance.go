package instance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"merchantd/config"
	"merchantd/crypto"
)

// WireMethod is one way an instance can receive wire transfers. HWire is the
// hash wallets commit to inside contract terms.
type WireMethod struct {
	Method  string
	Details json.RawMessage
	HWire   crypto.Hash
}

// Instance is one merchant identity: signing key, wire accounts and the
// optional tipping reserve. Immutable after Build.
type Instance struct {
	ID             string
	Name           string
	Priv           *crypto.PrivateKey
	Pub            *crypto.PublicKey
	Wires          []WireMethod
	TipReservePriv *crypto.PrivateKey
	TipExchangeURL string
}

// WireByMethod returns the wire record for a method name.
func (in *Instance) WireByMethod(method string) (*WireMethod, bool) {
	for i := range in.Wires {
		if in.Wires[i].Method == method {
			return &in.Wires[i], true
		}
	}
	return nil, false
}

// DefaultWire returns the first configured wire method.
func (in *Instance) DefaultWire() *WireMethod {
	return &in.Wires[0]
}

// TipsConfigured reports whether the instance can authorize tips.
func (in *Instance) TipsConfigured() bool {
	return in.TipReservePriv != nil && in.TipExchangeURL != ""
}

// Registry holds all configured instances, addressable by id and by public
// key. Read-only after Build.
type Registry struct {
	byID  map[string]*Instance
	byPub map[string]*Instance
	ids   []string
}

// Build loads every configured instance, generating missing keyfiles.
func Build(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{
		byID:  make(map[string]*Instance, len(cfg.Instances)),
		byPub: make(map[string]*Instance, len(cfg.Instances)),
	}
	ids := make([]string, 0, len(cfg.Instances))
	for id := range cfg.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		section := cfg.Instances[id]
		inst, err := buildInstance(id, section, logger)
		if err != nil {
			return nil, err
		}
		if existing, ok := reg.byPub[inst.Pub.String()]; ok {
			return nil, fmt.Errorf("instance %s: key collides with instance %s", id, existing.ID)
		}
		reg.byID[id] = inst
		reg.byPub[inst.Pub.String()] = inst
		reg.ids = append(reg.ids, id)
	}
	return reg, nil
}

func buildInstance(id string, section config.Instance, logger *slog.Logger) (*Instance, error) {
	priv, created, err := crypto.EnsureKeyfile(section.Keyfile)
	if err != nil {
		return nil, fmt.Errorf("instance %s: keyfile: %w", id, err)
	}
	if created {
		logger.Info("generated instance signing key",
			"instance", id, "keyfile", section.Keyfile)
	}

	inst := &Instance{
		ID:   id,
		Name: section.Name,
		Priv: priv,
		Pub:  priv.PubKey(),
	}

	methods := make([]string, 0, len(section.Wire))
	for method := range section.Wire {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	for _, method := range methods {
		details := json.RawMessage(section.Wire[method].Details)
		hWire, err := crypto.HashContractTerms(details)
		if err != nil {
			return nil, fmt.Errorf("instance %s: wire %s: %w", id, method, err)
		}
		inst.Wires = append(inst.Wires, WireMethod{
			Method:  method,
			Details: details,
			HWire:   hWire,
		})
	}

	if section.TipExchange != "" {
		reservePriv, created, err := crypto.EnsureKeyfile(section.TipReserveKeyfile)
		if err != nil {
			return nil, fmt.Errorf("instance %s: tip reserve keyfile: %w", id, err)
		}
		if created {
			logger.Info("generated tip reserve key",
				"instance", id, "keyfile", section.TipReserveKeyfile)
		}
		inst.TipReservePriv = reservePriv
		inst.TipExchangeURL = strings.TrimSpace(section.TipExchange)
	}
	return inst, nil
}

// Lookup resolves an instance by id.
func (r *Registry) Lookup(id string) (*Instance, bool) {
	inst, ok := r.byID[id]
	return inst, ok
}

// LookupPub resolves an instance by its Crockford base32 public key.
func (r *Registry) LookupPub(pub string) (*Instance, bool) {
	inst, ok := r.byPub[pub]
	return inst, ok
}

// IDs lists the configured instance ids in stable order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}
