package model

import "strings"

type Currency string

const (
	AUD Currency = "AUD"
	BGN Currency = "BGN"
	BRL Currency = "BRL"
	CAD Currency = "CAD"
	CHF Currency = "CHF"
	CNY Currency = "CNY"
	CZK Currency = "CZK"
	DKK Currency = "DKK"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	HKD Currency = "HKD"
	HUF Currency = "HUF"
	IDR Currency = "IDR"
	ILS Currency = "ILS"
	INR Currency = "INR"
	ISK Currency = "ISK"
	JPY Currency = "JPY"
	KRW Currency = "KRW"
	MXN Currency = "MXN"
	MYR Currency = "MYR"
	NOK Currency = "NOK"
	NZD Currency = "NZD"
	PHP Currency = "PHP"
	PLN Currency = "PLN"
	RON Currency = "RON"
	SEK Currency = "SEK"
	SGD Currency = "SGD"
	THB Currency = "THB"
	TRY Currency = "TRY"
	USD Currency = "USD"
	ZAR Currency = "ZAR"
)

// SupportedCurrencies is the set published by the reference-rate source.
var SupportedCurrencies = []Currency{
	AUD, BGN, BRL, CAD, CHF, CNY, CZK, DKK, EUR, GBP, HKD, HUF, IDR, ILS, INR, ISK,
	JPY, KRW, MXN, MYR, NOK, NZD, PHP, PLN, RON, SEK, SGD, THB, TRY, USD, ZAR,
}

var supportedSet = func() map[Currency]struct{} {
	m := make(map[Currency]struct{}, len(SupportedCurrencies))
	for _, c := range SupportedCurrencies {
		m[c] = struct{}{}
	}
	return m
}()

// ParseCurrency upper-cases and trims s. It does not validate.
func ParseCurrency(s string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(s)))
}

func (c Currency) IsSupported() bool {
	_, ok := supportedSet[c]
	return ok
}

// IsWellFormed reports whether c is exactly three upper-case ASCII letters.
func (c Currency) IsWellFormed() bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

func (c Currency) String() string {
	return string(c)
}
