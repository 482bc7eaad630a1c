package taler

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// FractionBase is the number of fractional units in one currency unit.
	FractionBase = 100_000_000
	// MaxAmountValue bounds the integer part so sums stay within float-safe range.
	MaxAmountValue = uint64(1) << 52
	// CurrencyLength is the fixed width of the currency field in signed binary layouts.
	CurrencyLength = 12

	maxCurrencyRunes = 11
)

var (
	ErrAmountMalformed = errors.New("amount malformed")
	ErrAmountOverflow  = errors.New("amount overflow")
	ErrAmountNegative  = errors.New("amount would be negative")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// Amount is a non-negative currency amount with 1e-8 resolution. The zero
// value has no currency and is only useful as an accumulator seed via Zero.
type Amount struct {
	Currency string
	Value    uint64
	Fraction uint32
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// ParseAmount parses the wire form "CUR:VALUE.FRACTION".
func ParseAmount(s string) (Amount, error) {
	sep := strings.IndexByte(s, ':')
	if sep <= 0 || sep == len(s)-1 {
		return Amount{}, fmt.Errorf("%w: %q", ErrAmountMalformed, s)
	}
	currency := s[:sep]
	if err := CheckCurrency(currency); err != nil {
		return Amount{}, err
	}
	number := s[sep+1:]
	intPart := number
	fracPart := ""
	if dot := strings.IndexByte(number, '.'); dot >= 0 {
		intPart = number[:dot]
		fracPart = number[dot+1:]
		if fracPart == "" {
			return Amount{}, fmt.Errorf("%w: trailing dot in %q", ErrAmountMalformed, s)
		}
	}
	if intPart == "" {
		return Amount{}, fmt.Errorf("%w: missing integer part in %q", ErrAmountMalformed, s)
	}
	var value uint64
	for i := 0; i < len(intPart); i++ {
		c := intPart[i]
		if c < '0' || c > '9' {
			return Amount{}, fmt.Errorf("%w: %q", ErrAmountMalformed, s)
		}
		value = value*10 + uint64(c-'0')
		if value > MaxAmountValue {
			return Amount{}, fmt.Errorf("%w: %q", ErrAmountOverflow, s)
		}
	}
	if len(fracPart) > 8 {
		return Amount{}, fmt.Errorf("%w: more than 8 fractional digits in %q", ErrAmountMalformed, s)
	}
	var fraction uint32
	unit := uint32(FractionBase / 10)
	for i := 0; i < len(fracPart); i++ {
		c := fracPart[i]
		if c < '0' || c > '9' {
			return Amount{}, fmt.Errorf("%w: %q", ErrAmountMalformed, s)
		}
		fraction += uint32(c-'0') * unit
		unit /= 10
	}
	return Amount{Currency: currency, Value: value, Fraction: fraction}, nil
}

// CheckCurrency validates a currency code: 1 to 11 uppercase ASCII letters.
func CheckCurrency(currency string) error {
	if len(currency) == 0 || len(currency) > maxCurrencyRunes {
		return fmt.Errorf("%w: currency %q", ErrAmountMalformed, currency)
	}
	for i := 0; i < len(currency); i++ {
		c := currency[i]
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("%w: currency %q", ErrAmountMalformed, currency)
		}
	}
	return nil
}

// String renders the canonical wire form. Trailing fractional zeroes are trimmed.
func (a Amount) String() string {
	if a.Fraction == 0 {
		return fmt.Sprintf("%s:%d", a.Currency, a.Value)
	}
	frac := fmt.Sprintf("%08d", a.Fraction)
	frac = strings.TrimRight(frac, "0")
	return fmt.Sprintf("%s:%d.%s", a.Currency, a.Value, frac)
}

// IsZero reports whether the amount has no value, ignoring currency.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// SameCurrency reports whether both amounts share a currency.
func (a Amount) SameCurrency(b Amount) bool {
	return a.Currency == b.Currency
}

// Add returns a+b. Fails on currency mismatch or overflow beyond MaxAmountValue.
func (a Amount) Add(b Amount) (Amount, error) {
	if !a.SameCurrency(b) {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	sum := Amount{Currency: a.Currency}
	frac := uint64(a.Fraction) + uint64(b.Fraction)
	sum.Fraction = uint32(frac % FractionBase)
	carry := frac / FractionBase
	sum.Value = a.Value + b.Value + carry
	if sum.Value < a.Value || sum.Value > MaxAmountValue {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrAmountOverflow, a, b)
	}
	return sum, nil
}

// Subtract returns a-b. Fails on currency mismatch or when b exceeds a.
func (a Amount) Subtract(b Amount) (Amount, error) {
	if !a.SameCurrency(b) {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	if cmp := a.compare(b); cmp < 0 {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrAmountNegative, a, b)
	}
	diff := Amount{Currency: a.Currency, Value: a.Value - b.Value}
	if a.Fraction >= b.Fraction {
		diff.Fraction = a.Fraction - b.Fraction
	} else {
		diff.Value--
		diff.Fraction = uint32(FractionBase) + a.Fraction - b.Fraction
	}
	return diff, nil
}

// Cmp compares two amounts of the same currency: -1, 0 or +1.
func (a Amount) Cmp(b Amount) (int, error) {
	if !a.SameCurrency(b) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	return a.compare(b), nil
}

func (a Amount) compare(b Amount) int {
	switch {
	case a.Value < b.Value:
		return -1
	case a.Value > b.Value:
		return 1
	case a.Fraction < b.Fraction:
		return -1
	case a.Fraction > b.Fraction:
		return 1
	default:
		return 0
	}
}

// Divide splits the amount into n equal parts, discarding the remainder below
// 1e-8 resolution. Used for wire fee amortization.
func (a Amount) Divide(n uint32) Amount {
	if n <= 1 {
		return a
	}
	d := uint64(n)
	out := Amount{Currency: a.Currency, Value: a.Value / d}
	rem := a.Value % d
	fracTotal := rem*FractionBase + uint64(a.Fraction)
	out.Fraction = uint32(fracTotal / d)
	return out
}

// BinaryNBO renders the fixed 24-byte layout used inside signed payloads:
// value (u64 BE), fraction (u32 BE), currency zero-padded to 12 bytes.
func (a Amount) BinaryNBO() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], a.Value)
	binary.BigEndian.PutUint32(buf[8:12], a.Fraction)
	copy(buf[12:], a.Currency)
	return buf
}

// MarshalJSON renders the wire string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	if err := CheckCurrency(a.Currency); err != nil {
		return nil, err
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts the wire string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrAmountMalformed, data)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
