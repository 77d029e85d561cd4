package exchange

import (
	"errors"
	"testing"
)

func TestNormalizeBalancesShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want map[string]string
	}{
		{
			name: "wrapped list",
			body: `{"balances":[{"symbol":"BTC","total":"1.5"}]}`,
			want: map[string]string{"BTC": "1.5"},
		},
		{
			name: "data list",
			body: `{"success":true,"data":[{"currency":"eth","available_balance":3}]}`,
			want: map[string]string{"ETH": "3"},
		},
		{
			name: "keyed objects",
			body: `{"btc":{"available":"0.1","total":"0.2"},"usdt":{"balance":"50"}}`,
			want: map[string]string{"BTC": "0.1", "USDT": "50"},
		},
		{
			name: "keyed numbers",
			body: `{"BTC":1,"ETH":"2.000000000000000001"}`,
			want: map[string]string{"BTC": "1", "ETH": "2.000000000000000001"},
		},
		{
			name: "first candidate wins over later ones",
			body: `[{"currency":"BTC","balance":"9","available":"4"}]`,
			want: map[string]string{"BTC": "4"},
		},
		{
			name: "repeated currency summed",
			body: `[{"currency":"BTC","available":"1"},{"currency":"btc","available":"2"}]`,
			want: map[string]string{"BTC": "3"},
		},
		{
			name: "scalars ignored next to asset objects",
			body: `{"BTC":{"total":"2"},"updated":1760000000,"note":"daily"}`,
			want: map[string]string{"BTC": "2"},
		},
		{
			name: "empty list",
			body: `[]`,
			want: map[string]string{},
		},
		{
			name: "entries without amount skipped",
			body: `[{"currency":"BTC"},{"available":"1"},{"currency":"ETH","available":"1"}]`,
			want: map[string]string{"ETH": "1"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeBalances([]byte(tc.body), "")
			if err != nil {
				t.Fatalf("decodeBalances: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d currencies, got %v", len(tc.want), got)
			}
			for currency, amount := range tc.want {
				expectAmount(t, got, currency, amount)
			}
		})
	}
}

func TestNormalizeBalancesRejectsScalar(t *testing.T) {
	if _, err := decodeBalances([]byte(`"nope"`), ""); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestNormalizeBalancesRejectsErrorEnvelopes(t *testing.T) {
	bodies := []string{
		`{"code":503,"timestamp":1760000000,"msg":"maintenance"}`,
		`{"msg":"maintenance"}`,
		`{"error":{"message":"rate limited"}}`,
		`[{"status":"down"}]`,
	}
	for _, body := range bodies {
		got, err := decodeBalances([]byte(body), "")
		if !errors.Is(err, ErrDecode) {
			t.Fatalf("expected decode error for %s, got %v %v", body, got, err)
		}
	}
}

func TestNormalizeBalancesBadJSONPath(t *testing.T) {
	if _, err := decodeBalances([]byte(`{"a":1}`), "$.missing.path"); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
