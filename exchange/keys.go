package exchange

import (
	"fmt"
	"time"

	"merchantd/crypto"
	"merchantd/taler"
)

// DenomKey is one denomination offered by an exchange, with the fee schedule
// the merchant needs for deposits and tip withdrawals.
type DenomKey struct {
	Pub            *crypto.DenomPublicKey
	PubHash        crypto.Hash
	Value          taler.Amount
	FeeDeposit     taler.Amount
	FeeRefund      taler.Amount
	FeeWithdraw    taler.Amount
	ExpireDeposit  taler.Timestamp
	ExpireWithdraw taler.Timestamp
}

// WireFeePeriod is a wire fee valid for a half-open time window.
type WireFeePeriod struct {
	Fee   taler.Amount
	Start taler.Timestamp
	End   taler.Timestamp
}

// KeySet is the parsed result of one /keys fetch.
type KeySet struct {
	MasterPub string
	Denoms    []DenomKey
	WireFees  map[string][]WireFeePeriod

	// horizon is the earliest withdraw expiry across denominations; after
	// it passes the set must be refreshed.
	horizon taler.Timestamp
}

type keysReply struct {
	MasterPub string                     `json:"master_public_key"`
	Denoms    []denomReply               `json:"denoms"`
	WireFees  map[string][]wireFeeReply  `json:"wire_fees"`
}

type denomReply struct {
	DenomPub            string          `json:"denom_pub"`
	Value               taler.Amount    `json:"value"`
	FeeDeposit          taler.Amount    `json:"fee_deposit"`
	FeeRefund           taler.Amount    `json:"fee_refund"`
	FeeWithdraw         taler.Amount    `json:"fee_withdraw"`
	StampExpireDeposit  taler.Timestamp `json:"stamp_expire_deposit"`
	StampExpireWithdraw taler.Timestamp `json:"stamp_expire_withdraw"`
}

type wireFeeReply struct {
	WireFee   taler.Amount    `json:"wire_fee"`
	StartDate taler.Timestamp `json:"start_date"`
	EndDate   taler.Timestamp `json:"end_date"`
}

func buildKeySet(reply keysReply) (*KeySet, error) {
	ks := &KeySet{
		MasterPub: reply.MasterPub,
		WireFees:  make(map[string][]WireFeePeriod, len(reply.WireFees)),
		horizon:   taler.Never(),
	}
	for _, d := range reply.Denoms {
		pub, err := crypto.ParseDenomPub(d.DenomPub)
		if err != nil {
			return nil, fmt.Errorf("parse denomination key: %w", err)
		}
		dk := DenomKey{
			Pub:            pub,
			PubHash:        pub.Hash(),
			Value:          d.Value,
			FeeDeposit:     d.FeeDeposit,
			FeeRefund:      d.FeeRefund,
			FeeWithdraw:    d.FeeWithdraw,
			ExpireDeposit:  d.StampExpireDeposit,
			ExpireWithdraw: d.StampExpireWithdraw,
		}
		ks.Denoms = append(ks.Denoms, dk)
		if dk.ExpireWithdraw.Before(ks.horizon) {
			ks.horizon = dk.ExpireWithdraw
		}
	}
	for method, periods := range reply.WireFees {
		for _, p := range periods {
			ks.WireFees[method] = append(ks.WireFees[method], WireFeePeriod{
				Fee:   p.WireFee,
				Start: p.StartDate,
				End:   p.EndDate,
			})
		}
	}
	return ks, nil
}

// DenomByPub returns the denomination with the given encoded public key.
func (ks *KeySet) DenomByPub(denomPub string) *DenomKey {
	for i := range ks.Denoms {
		if ks.Denoms[i].Pub.String() == denomPub {
			return &ks.Denoms[i]
		}
	}
	return nil
}

// DenomByHash returns the denomination whose public key hashes to h.
func (ks *KeySet) DenomByHash(h string) *DenomKey {
	for i := range ks.Denoms {
		if ks.Denoms[i].PubHash.String() == h {
			return &ks.Denoms[i]
		}
	}
	return nil
}

// WireFee returns the fee charged for the given wire method at time at.
func (ks *KeySet) WireFee(method string, at time.Time) (taler.Amount, bool) {
	for _, p := range ks.WireFees[method] {
		if p.Start.Time().After(at) {
			continue
		}
		if !p.End.IsNever() && !at.Before(p.End.Time()) {
			continue
		}
		return p.Fee, true
	}
	return taler.Amount{}, false
}

// Expired reports whether the set's freshest withdraw horizon has passed.
func (ks *KeySet) Expired(now time.Time) bool {
	if ks.horizon.IsNever() {
		return false
	}
	return ks.horizon.Before(taler.TimestampFrom(now))
}
