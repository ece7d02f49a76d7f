package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     int64
		wantCode string
		wantErr  bool
	}{
		{name: "two decimals", amount: "1500.50", currency: "AUD", want: 150050, wantCode: "AUD"},
		{name: "whole number", amount: "12", currency: "usd", want: 1200, wantCode: "USD"},
		{name: "negative", amount: "-0.01", currency: "EUR", want: -1, wantCode: "EUR"},
		{name: "zero scale", amount: "150000", currency: "IDR", want: 150000, wantCode: "IDR"},
		{name: "trailing zeros beyond scale", amount: "10.500", currency: "USD", want: 1050, wantCode: "USD"},
		{name: "too precise", amount: "1.005", currency: "USD", wantErr: true},
		{name: "fraction in zero scale currency", amount: "10.5", currency: "JPY", wantErr: true},
		{name: "not a number", amount: "ten", currency: "USD", wantErr: true},
		{name: "unsupported currency", amount: "1.00", currency: "XYZ", wantErr: true},
		{name: "out of range", amount: "99999999999999999999", currency: "USD", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMoney(tt.amount, tt.currency)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v (%+v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Amount != tt.want || got.Currency != tt.wantCode {
				t.Fatalf("expected %d %s, got %d %s", tt.want, tt.wantCode, got.Amount, got.Currency)
			}
		})
	}
}

func TestMoneyString(t *testing.T) {
	tests := []struct {
		money Money
		want  string
	}{
		{Money{Amount: 1250, Currency: "AUD"}, "12.50 AUD"},
		{Money{Amount: -5, Currency: "USD"}, "-0.05 USD"},
		{Money{Amount: 150000, Currency: "IDR"}, "150000 IDR"},
		{Zero("EUR"), "0.00 EUR"},
	}
	for _, tt := range tests {
		if got := tt.money.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestMoneyArithmetic(t *testing.T) {
	a := Money{Amount: 1000, Currency: "USD"}
	b := Money{Amount: 250, Currency: "USD"}

	sum, err := a.Add(b)
	if err != nil || sum.Amount != 1250 {
		t.Fatalf("Add = %v, %v", sum, err)
	}
	diff, err := b.Sub(a)
	if err != nil || diff.Amount != -750 {
		t.Fatalf("Sub = %v, %v", diff, err)
	}
	if cmp, _ := a.Cmp(b); cmp != 1 {
		t.Fatalf("Cmp = %d, want 1", cmp)
	}
	if cmp, _ := b.Cmp(a); cmp != -1 {
		t.Fatalf("Cmp = %d, want -1", cmp)
	}

	if _, err := a.Add(Money{Amount: 1, Currency: "EUR"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("mixing currencies must fail, got %v", err)
	}
	if _, err := a.Cmp(Money{Amount: 1, Currency: "EUR"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("comparing currencies must fail, got %v", err)
	}
	if _, err := (Money{Amount: math.MaxInt64, Currency: "USD"}).Add(Money{Amount: 1, Currency: "USD"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("overflow must fail, got %v", err)
	}
	if _, err := (Money{Amount: math.MinInt64, Currency: "USD"}).Neg(); !errors.Is(err, ErrValidation) {
		t.Fatalf("negating the minimum must fail, got %v", err)
	}
}

func TestMoneyJSON(t *testing.T) {
	encoded, err := json.Marshal(Money{Amount: 1250, Currency: "AUD"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != `{"amount":"12.50","currency_code":"AUD"}` {
		t.Fatalf("unexpected encoding %s", encoded)
	}

	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "string amount", input: `{"amount":"19.99","currency_code":"USD"}`, want: 1999},
		{name: "number amount", input: `{"amount":19.99,"currency_code":"USD"}`, want: 1999},
		{name: "missing amount", input: `{"currency_code":"USD"}`, wantErr: true},
		{name: "too precise", input: `{"amount":"0.001","currency_code":"USD"}`, wantErr: true},
		{name: "not an object", input: `"19.99"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Money
			err := json.Unmarshal([]byte(tt.input), &m)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", m)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Amount != tt.want || m.Currency != "USD" {
				t.Fatalf("expected %d USD, got %+v", tt.want, m)
			}
		})
	}
}
