package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/subhub/errs"
)

// Well-known subscription parameters.
const (
	ParamDepth        = "depth"
	ParamLimit        = "limit"
	ParamInterval     = "interval"
	ParamPollInterval = "pollInterval"
	ParamMethod       = "method"
)

// Params carries per-subscription options. Values are strings, numbers, booleans or nil.
type Params map[string]any

// Clone returns a shallow copy; values are scalars so the copy is independent.
func (p Params) Clone() Params {
	if len(p) == 0 {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Validate rejects keys and values outside the supported scalar set.
func (p Params) Validate() error {
	for key, value := range p {
		if strings.TrimSpace(key) == "" {
			return errs.New("schema/params", errs.CodeInvalid, errs.WithMessage("parameter name required"))
		}
		if !isScalar(value) {
			return errs.New("schema/params", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("parameter %s has unsupported type %T", key, value)))
		}
	}
	if raw, ok := p[ParamMethod]; ok && raw != nil {
		text, isString := raw.(string)
		if !isString {
			return errs.New("schema/params", errs.CodeInvalid, errs.WithMessage("method must be a string"))
		}
		if _, err := ParseMethod(text); err != nil {
			return err
		}
	}
	return nil
}

// WithoutMethod returns the params minus the delivery hint, which never affects identity.
func (p Params) WithoutMethod() Params {
	if _, ok := p[ParamMethod]; !ok {
		return p.Clone()
	}
	out := p.Clone()
	delete(out, ParamMethod)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Method returns the delivery hint carried in the params, if any.
func (p Params) Method() (Method, bool) {
	text, ok := p.String(ParamMethod)
	if !ok {
		return "", false
	}
	method, err := ParseMethod(text)
	if err != nil {
		return "", false
	}
	return method, true
}

// String returns the trimmed string value stored under key.
func (p Params) String(key string) (string, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return "", false
	}
	text, isString := raw.(string)
	if !isString {
		return "", false
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

// Int returns the integral numeric value stored under key.
func (p Params) Int(key string) (int, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// Depth returns the requested order book depth.
func (p Params) Depth() (int, bool) {
	depth, ok := p.Int(ParamDepth)
	return depth, ok && depth > 0
}

// Limit returns the requested trade or kline count.
func (p Params) Limit() (int, bool) {
	limit, ok := p.Int(ParamLimit)
	return limit, ok && limit > 0
}

// KlineInterval returns the candle interval when given as a string such as "1m" or "1h".
func (p Params) KlineInterval() (string, bool) {
	return p.String(ParamInterval)
}

// PollInterval resolves an explicit poll cadence: pollInterval wins over a numeric interval.
func (p Params) PollInterval() (time.Duration, bool) {
	if ms, ok := p.Int(ParamPollInterval); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	if ms, ok := p.Int(ParamInterval); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}

// Canonical serializes the params deterministically with keys sorted.
// Empty params serialize to "".
func (p Params) Canonical() string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.WriteString(canonicalValue(p[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func canonicalValue(value any) string {
	// 5000 and 5000.0 must produce the same identity.
	switch value.(type) {
	case nil, string, bool:
	default:
		if n, ok := (Params{"v": value}).Int("v"); ok {
			return strconv.Itoa(n)
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return strconv.Quote(fmt.Sprint(value))
	}
	return string(encoded)
}

func floatToInt(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, false
	}
	return int(v), true
}

func isScalar(value any) bool {
	switch value.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	default:
		return false
	}
}
