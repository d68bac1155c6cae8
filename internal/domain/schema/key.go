package schema

import (
	"strconv"
	"strings"

	"github.com/coachpo/subhub/errs"
)

// Key identifies one logical subscription: exchange, symbol, data type and params.
type Key struct {
	Exchange string
	Symbol   string
	Type     DataType
	Params   Params
}

// NewKey builds a normalized key. The delivery hint is stripped from params because
// the same data delivered by push or pull is the same subscription.
func NewKey(exchange, symbol string, typ DataType, params Params) (Key, error) {
	key := Key{
		Exchange: NormalizeExchange(exchange),
		Symbol:   NormalizeSymbol(symbol),
		Type:     typ,
		Params:   params.WithoutMethod(),
	}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

// idSeparator joins the identity components in ID; exchange and symbol may not contain it.
const idSeparator = ":"

// Validate checks that every identity component is present and well formed.
func (k Key) Validate() error {
	if k.Exchange == "" {
		return errs.New("schema/key", errs.CodeInvalid, errs.WithMessage("exchange required"))
	}
	if strings.Contains(k.Exchange, idSeparator) {
		return errs.New("schema/key", errs.CodeInvalid, errs.WithMessage("exchange must not contain "+strconv.Quote(idSeparator)), errs.WithField("exchange", k.Exchange))
	}
	if k.Symbol == "" {
		return errs.New(k.Exchange, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if strings.Contains(k.Symbol, idSeparator) {
		return errs.New(k.Exchange, errs.CodeInvalid, errs.WithMessage("symbol must not contain "+strconv.Quote(idSeparator)), errs.WithField("symbol", k.Symbol))
	}
	if err := k.Type.Validate(); err != nil {
		return err
	}
	return k.Params.Validate()
}

// ID returns the canonical identity string. Two keys are equal iff their IDs match.
func (k Key) ID() string {
	var b strings.Builder
	b.WriteString(k.Exchange)
	b.WriteString(idSeparator)
	b.WriteString(k.Symbol)
	b.WriteString(idSeparator)
	b.WriteString(string(k.Type))
	if canonical := k.Params.Canonical(); canonical != "" {
		b.WriteString(idSeparator)
		b.WriteString(canonical)
	}
	return b.String()
}

func (k Key) String() string {
	return k.ID()
}

// Clone returns a copy that shares no mutable state with the receiver.
func (k Key) Clone() Key {
	cloned := k
	cloned.Params = k.Params.Clone()
	return cloned
}

// NormalizeExchange lowercases and trims an exchange name.
func NormalizeExchange(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeSymbol uppercases and trims a trading symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
