package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
)

const defaultCurrency = "USD"

// ErrInvalidPackage reports a package definition that cannot be sold.
var ErrInvalidPackage = errors.New("invalid package")

// PackageConfig is the configuration shape of one package.
type PackageConfig struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Tokens     int64  `mapstructure:"tokens"`
	PriceCents int64  `mapstructure:"price_cents"`
	Currency   string `mapstructure:"currency"`
	Active     *bool  `mapstructure:"active"`
}

// DefaultPackages is used when configuration defines none.
func DefaultPackages() []PackageConfig {
	return []PackageConfig{
		{ID: "starter", Name: "Starter", Tokens: 10, PriceCents: 999, Currency: defaultCurrency},
		{ID: "creator", Name: "Creator", Tokens: 50, PriceCents: 3999, Currency: defaultCurrency},
		{ID: "studio", Name: "Studio", Tokens: 200, PriceCents: 12999, Currency: defaultCurrency},
	}
}

// Catalog is a read-only ledger.PackageCatalog built from configuration.
type Catalog struct {
	packages map[string]ledger.Package
	ordered  []ledger.Package
}

// New validates definitions and builds a Catalog.
func New(definitions []PackageConfig) (*Catalog, error) {
	catalog := &Catalog{packages: make(map[string]ledger.Package, len(definitions))}
	for index, definition := range definitions {
		tokenPackage, err := definition.toPackage()
		if err != nil {
			return nil, fmt.Errorf("package %d: %w", index, err)
		}
		if _, exists := catalog.packages[tokenPackage.ID.String()]; exists {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidPackage, tokenPackage.ID.String())
		}
		catalog.packages[tokenPackage.ID.String()] = tokenPackage
		catalog.ordered = append(catalog.ordered, tokenPackage)
	}
	sort.SliceStable(catalog.ordered, func(left, right int) bool {
		return catalog.ordered[left].PriceCents < catalog.ordered[right].PriceCents
	})
	return catalog, nil
}

// PackageByID implements ledger.PackageCatalog.
func (catalog *Catalog) PackageByID(_ context.Context, id ledger.PackageID) (ledger.Package, error) {
	tokenPackage, ok := catalog.packages[id.String()]
	if !ok {
		return ledger.Package{}, fmt.Errorf("%w: %s", ledger.ErrPackageNotFound, id.String())
	}
	return tokenPackage, nil
}

// Packages implements ledger.PackageCatalog, cheapest first.
func (catalog *Catalog) Packages(_ context.Context) ([]ledger.Package, error) {
	return append([]ledger.Package(nil), catalog.ordered...), nil
}

func (definition PackageConfig) toPackage() (ledger.Package, error) {
	packageID, err := ledger.NewPackageID(definition.ID)
	if err != nil {
		return ledger.Package{}, err
	}
	tokens, err := ledger.NewTokenAmount(definition.Tokens)
	if err != nil {
		return ledger.Package{}, err
	}
	if definition.PriceCents <= 0 {
		return ledger.Package{}, fmt.Errorf("%w: %s price must be positive", ErrInvalidPackage, packageID.String())
	}
	currency := strings.ToUpper(strings.TrimSpace(definition.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	name := strings.TrimSpace(definition.Name)
	if name == "" {
		name = packageID.String()
	}
	active := true
	if definition.Active != nil {
		active = *definition.Active
	}
	return ledger.Package{
		ID:         packageID,
		Name:       name,
		Tokens:     tokens,
		PriceCents: definition.PriceCents,
		Currency:   currency,
		Active:     active,
	}, nil
}
