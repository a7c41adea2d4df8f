// Package seed loads a demo product catalog for local development. Seeding
// is idempotent: rerunning against a populated database changes nothing.
package seed

import (
	"context"

	catalogdomain "github.com/scoutlabs/medallion/internal/catalog/domain"
	"github.com/scoutlabs/medallion/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type product struct {
	ID       string
	Name     string
	Brand    string
	Category string
	SRP      float64
	Aliases  []string
}

// demoCatalog mirrors the sari-sari store assortment the edge devices sell.
var demoCatalog = []product{
	{"P-ALASKA-EVAP", "Alaska Evap 370ml", "Alaska", "Dairy", 33.00, []string{"alska evap"}},
	{"P-ALASKA-CONDENSADA", "Alaska Condensada 300ml", "Alaska", "Dairy", 38.00, nil},
	{"P-BEARBRAND-33", "Bear Brand Powdered Milk 33g", "Bear Brand", "Dairy", 12.50, []string{"bear brand sachet"}},
	{"P-OISHI-PRAWN", "Oishi Prawn Crackers 60g", "Oishi", "Snacks", 8.00, nil},
	{"P-OISHI-PILLOWS", "Oishi Pillows Choco 38g", "Oishi", "Snacks", 7.50, nil},
	{"P-DELMONTE-KETCHUP", "Del Monte Ketchup 320g", "Del Monte", "Condiments", 45.00, []string{"dm ketchup"}},
	{"P-DELMONTE-PINEAPPLE", "Del Monte Pineapple Juice 240ml", "Del Monte", "Beverages", 25.00, nil},
	{"P-JTI-WINSTON", "Winston Red", "JTI", "Tobacco", 145.00, []string{"winston"}},
	{"P-JTI-MEVIUS", "Mevius Sky Blue", "JTI", "Tobacco", 160.00, nil},
	{"P-LUCKYME-PANCIT", "Lucky Me Pancit Canton 60g", "Lucky Me", "Noodles", 13.00, []string{"pancit canton"}},
	{"P-KOPIKO-BLANCA", "Kopiko Blanca Twin Pack", "Kopiko", "Beverages", 12.00, nil},
	{"P-SURF-POWDER", "Surf Powder Detergent 65g", "Surf", "Household", 9.50, nil},
}

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	CatalogSvc catalogdomain.Service
}

func Run(ctx context.Context, p Params) error {
	if !p.Config.SeedDemoData {
		return nil
	}
	log := p.Log.Named("seed")

	for _, item := range demoCatalog {
		err := p.CatalogSvc.UpsertProduct(ctx, &catalogdomain.Product{
			ProductID:   item.ID,
			ProductName: item.Name,
			Brand:       item.Brand,
			Category:    item.Category,
			SRP:         item.SRP,
			IsActive:    true,
		})
		if err != nil {
			return err
		}
		for _, alias := range item.Aliases {
			if err := p.CatalogSvc.AddAlias(ctx, alias, item.ID); err != nil {
				return err
			}
		}
	}

	log.Info("demo catalog seeded", zap.Int("products", len(demoCatalog)))
	return nil
}

var Module = fx.Module("seed",
	fx.Invoke(func(lc fx.Lifecycle, p Params) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return Run(ctx, p)
			},
		})
	}),
)
