// Package seed imports reference data from YAML fixtures.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/toko-orders/internal/catalog"
	"github.com/noah-isme/toko-orders/internal/currency"
	"github.com/noah-isme/toko-orders/internal/voucher"
)

// Fixture is the document layout of a seed file.
type Fixture struct {
	Currencies []CurrencyFixture `yaml:"currencies"`
	Rates      []RateFixture     `yaml:"rates"`
	Products   []ProductFixture  `yaml:"products"`
	Vouchers   []VoucherFixture  `yaml:"vouchers"`
}

// CurrencyFixture seeds a currency.
type CurrencyFixture struct {
	ISO           string `yaml:"iso"`
	DecimalPlaces int32  `yaml:"decimal_places"`
}

// RateFixture seeds an exchange rate.
type RateFixture struct {
	Base   string `yaml:"base"`
	Target string `yaml:"target"`
	Rate   string `yaml:"rate"`
}

// ProductFixture seeds a product. Amounts are decimal strings.
type ProductFixture struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	Price         string  `yaml:"price"`
	Currency      string  `yaml:"currency"`
	Taxes         string  `yaml:"taxes"`
	Stock         *string `yaml:"stock"`
	Discounted    bool    `yaml:"discounted"`
	Parent        bool    `yaml:"parent"`
	ParentID      string  `yaml:"parent_id"`
	Size          int     `yaml:"size"`
	Scale         int     `yaml:"scale"`
	PriceProvider string  `yaml:"price_provider"`
}

// VoucherFixture seeds a voucher.
type VoucherFixture struct {
	Key        string     `yaml:"key"`
	Amount     string     `yaml:"amount"`
	Percentage string     `yaml:"percentage"`
	Currency   string     `yaml:"currency"`
	UsageLimit int        `yaml:"usage_limit"`
	Unlimited  bool       `yaml:"unlimited"`
	Start      *time.Time `yaml:"start"`
	Expiration *time.Time `yaml:"expiration"`
	Disabled   bool       `yaml:"disabled"`
}

// Report counts imported records.
type Report struct {
	Currencies int
	Rates      int
	Products   int
	Vouchers   int
	Skipped    int
}

// Decode parses a YAML fixture, rejecting unknown fields.
func Decode(r io.Reader) (Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	return f, nil
}

// Targets are the services records are written through.
type Targets struct {
	Currencies *currency.Registry
	Catalog    *catalog.Service
	Vouchers   *voucher.Service
}

// Apply imports f in dependency order. Products are upserted by id; vouchers
// whose key already exists are skipped.
func Apply(ctx context.Context, t Targets, f Fixture) (Report, error) {
	var rep Report
	for _, c := range f.Currencies {
		cur := currency.Currency{ISO: strings.ToUpper(strings.TrimSpace(c.ISO)), DecimalPlaces: c.DecimalPlaces}
		if err := t.Currencies.PutCurrency(ctx, cur); err != nil {
			return rep, fmt.Errorf("currency %s: %w", c.ISO, err)
		}
		rep.Currencies++
	}
	for _, r := range f.Rates {
		rate, err := amount(r.Rate)
		if err != nil {
			return rep, fmt.Errorf("rate %s/%s: %w", r.Base, r.Target, err)
		}
		er := currency.ExchangeRate{
			Base:   strings.ToUpper(strings.TrimSpace(r.Base)),
			Target: strings.ToUpper(strings.TrimSpace(r.Target)),
			Rate:   rate,
		}
		if err := t.Currencies.PutRate(ctx, er); err != nil {
			return rep, fmt.Errorf("rate %s/%s: %w", r.Base, r.Target, err)
		}
		rep.Rates++
	}
	for _, p := range f.Products {
		product, err := p.product()
		if err != nil {
			return rep, fmt.Errorf("product %s: %w", p.ID, err)
		}
		if _, err := t.Catalog.Save(ctx, product); err != nil {
			return rep, fmt.Errorf("product %s: %w", p.ID, err)
		}
		rep.Products++
	}
	for _, v := range f.Vouchers {
		in, err := v.input()
		if err != nil {
			return rep, fmt.Errorf("voucher %s: %w", v.Key, err)
		}
		if _, err := t.Vouchers.Create(ctx, in); err != nil {
			if errors.Is(err, voucher.ErrDuplicateKey) {
				rep.Skipped++
				continue
			}
			return rep, fmt.Errorf("voucher %s: %w", v.Key, err)
		}
		rep.Vouchers++
	}
	return rep, nil
}

func (p ProductFixture) product() (catalog.Product, error) {
	price, err := amount(p.Price)
	if err != nil {
		return catalog.Product{}, err
	}
	taxes, err := amount(p.Taxes)
	if err != nil {
		return catalog.Product{}, err
	}
	out := catalog.Product{
		ID:            strings.TrimSpace(p.ID),
		Name:          p.Name,
		Price:         price,
		Currency:      strings.ToUpper(strings.TrimSpace(p.Currency)),
		Taxes:         taxes,
		Discounted:    p.Discounted,
		Parent:        p.Parent,
		ParentID:      p.ParentID,
		Size:          p.Size,
		Scale:         p.Scale,
		PriceProvider: p.PriceProvider,
	}
	if p.Stock != nil {
		stock, err := amount(*p.Stock)
		if err != nil {
			return catalog.Product{}, err
		}
		out.QuantityHand = decimal.NewNullDecimal(stock)
	}
	return out, nil
}

func (v VoucherFixture) input() (voucher.CreateInput, error) {
	amt, err := amount(v.Amount)
	if err != nil {
		return voucher.CreateInput{}, err
	}
	pct, err := amount(v.Percentage)
	if err != nil {
		return voucher.CreateInput{}, err
	}
	return voucher.CreateInput{
		Key:        v.Key,
		Amount:     amt,
		Percentage: pct,
		Currency:   strings.ToUpper(strings.TrimSpace(v.Currency)),
		UsageLimit: v.UsageLimit,
		Unlimited:  v.Unlimited,
		Start:      v.Start,
		Expiration: v.Expiration,
		Disabled:   v.Disabled,
	}, nil
}

func amount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
