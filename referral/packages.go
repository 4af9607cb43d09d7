package referral

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Catalog manages the validator packages on sale. Edits never touch records
// that already carry a PackageSnapshot.
type Catalog struct {
	store TxStore
	now   func() time.Time
}

type PackageInput struct {
	Name          string
	Price         decimal.Decimal
	CommissionLv1 decimal.Decimal
	CommissionLv2 decimal.Decimal
	Active        bool
}

func (in PackageInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "is required")
	}
	if !in.Price.IsPositive() {
		return invalid("price", "must be greater than 0")
	}
	for field, rate := range map[string]decimal.Decimal{
		"commission_lv1": in.CommissionLv1,
		"commission_lv2": in.CommissionLv2,
	} {
		if rate.IsNegative() || rate.GreaterThan(hundred) {
			return invalid(field, "must be between 0 and 100")
		}
	}
	return nil
}

func (c *Catalog) Create(ctx context.Context, in PackageInput) (*Package, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := c.now()
	p := Package{
		ID:            PackageID(uuid.NewString()),
		Name:          strings.TrimSpace(in.Name),
		Price:         in.Price,
		CommissionLv1: in.CommissionLv1,
		CommissionLv2: in.CommissionLv2,
		Active:        in.Active,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.SavePackage(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Catalog) Update(ctx context.Context, id PackageID, in PackageInput) (*Package, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var updated *Package
	err := c.store.WithTx(ctx, func(st Store) error {
		p, err := st.GetPackage(ctx, id)
		if err != nil {
			return err
		}
		p.Name = strings.TrimSpace(in.Name)
		p.Price = in.Price
		p.CommissionLv1 = in.CommissionLv1
		p.CommissionLv2 = in.CommissionLv2
		p.Active = in.Active
		p.UpdatedAt = c.now()
		updated = p
		return st.SavePackage(ctx, *p)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (c *Catalog) Get(ctx context.Context, id PackageID) (*Package, error) {
	return c.store.GetPackage(ctx, id)
}

func (c *Catalog) List(ctx context.Context) ([]Package, error) {
	return c.store.ListPackages(ctx)
}
