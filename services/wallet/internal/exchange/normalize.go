package exchange

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"
)

var (
	listKeys     = []string{"balances", "data", "assets", "result"}
	currencyKeys = []string{"currency", "asset", "coin", "symbol"}
	// amountKeys is ordered; the first one present wins.
	amountKeys = []string{"available", "balance", "total", "available_balance"}
)

func selectPath(payload any, path string) (any, error) {
	selected, err := jsonpath.Get(path, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: json path %q: %v", ErrDecode, path, err)
	}
	return selected, nil
}

// normalizeBalances maps the provider's payload to currency -> amount. It
// accepts a list of asset objects, an object wrapping such a list under one of
// listKeys, or an object keyed by currency. Keyed values are taken as bare
// amounts only when every value is an asset object or a number; otherwise only
// asset objects count. Entries repeated for the same currency are summed. A
// non-empty payload that yields no balance is ErrDecode.
func normalizeBalances(payload any) (map[string]decimal.Decimal, error) {
	switch v := payload.(type) {
	case []any:
		out := make(map[string]decimal.Decimal)
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			currency := currencyOf(obj)
			amount, ok := amountOf(obj)
			if currency == "" || !ok {
				continue
			}
			out[currency] = out[currency].Add(amount)
		}
		if len(v) > 0 && len(out) == 0 {
			return nil, fmt.Errorf("%w: no balance entries in list of %d items", ErrDecode, len(v))
		}
		return out, nil
	case map[string]any:
		for _, key := range listKeys {
			if inner, ok := v[key]; ok {
				switch inner.(type) {
				case []any, map[string]any:
					return normalizeBalances(inner)
				}
			}
		}
		return normalizeKeyed(v)
	default:
		return nil, fmt.Errorf("%w: unsupported payload type %T", ErrDecode, payload)
	}
}

func normalizeKeyed(v map[string]any) (map[string]decimal.Decimal, error) {
	bareAmounts := true
	for _, value := range v {
		if _, isObj := value.(map[string]any); isObj {
			continue
		}
		if _, isNum := toDecimal(value); !isNum {
			bareAmounts = false
			break
		}
	}

	out := make(map[string]decimal.Decimal)
	for key, value := range v {
		currency := strings.ToUpper(strings.TrimSpace(key))
		if currency == "" {
			continue
		}
		if obj, ok := value.(map[string]any); ok {
			if named := currencyOf(obj); named != "" {
				currency = named
			}
			if amount, ok := amountOf(obj); ok {
				out[currency] = out[currency].Add(amount)
			}
			continue
		}
		if !bareAmounts {
			continue
		}
		if amount, ok := toDecimal(value); ok {
			out[currency] = out[currency].Add(amount)
		}
	}
	if len(v) > 0 && len(out) == 0 {
		return nil, fmt.Errorf("%w: no balances in object with %d keys", ErrDecode, len(v))
	}
	return out, nil
}

func currencyOf(obj map[string]any) string {
	for _, key := range currencyKeys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.ToUpper(strings.TrimSpace(s))
		}
	}
	return ""
}

func amountOf(obj map[string]any) (decimal.Decimal, bool) {
	for _, key := range amountKeys {
		raw, present := obj[key]
		if !present || raw == nil {
			continue
		}
		if amount, ok := toDecimal(raw); ok {
			return amount, true
		}
	}
	return decimal.Zero, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	default:
		return decimal.Zero, false
	}
}
