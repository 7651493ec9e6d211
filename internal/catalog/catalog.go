// Package catalog is the read-only shop/product client. Display code
// filters and sorts its output; the cart takes product snapshots from it.
package catalog

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zabtt/storefront/internal/domain"
	"github.com/zabtt/storefront/internal/metrics"
	"github.com/zabtt/storefront/internal/notify"
	"github.com/zabtt/storefront/supabase/client"
)

// Catalog reads shops and products from the data service. Failures follow
// the read-path policy: empty result, notification, no panic across the
// boundary.
type Catalog struct {
	api     *client.Client
	logger  zerolog.Logger
	notify  notify.Sink
	metrics *metrics.Metrics
}

// Config wires a Catalog.
type Config struct {
	API     *client.Client
	Logger  zerolog.Logger
	Notify  notify.Sink
	Metrics *metrics.Metrics
}

// New builds a Catalog.
func New(cfg Config) *Catalog {
	if cfg.Notify == nil {
		cfg.Notify = notify.Nop{}
	}
	return &Catalog{
		api:     cfg.API,
		logger:  cfg.Logger,
		notify:  cfg.Notify,
		metrics: cfg.Metrics,
	}
}

// Shops lists every shop, name order.
func (c *Catalog) Shops(ctx context.Context) ([]domain.Shop, error) {
	resp, err := c.api.From("shops").
		Select("*").
		Order("name", true).
		Execute(ctx)
	if err := firstErr(err, resp); err != nil {
		return nil, c.fail("list shops", err, "Failed to load shops")
	}

	var shops []domain.Shop
	if err := resp.JSON(&shops); err != nil {
		return nil, c.fail("list shops", fmt.Errorf("decode shops: %w", err), "Failed to load shops")
	}
	return shops, nil
}

// Shop fetches one shop by id.
func (c *Catalog) Shop(ctx context.Context, id string) (*domain.Shop, error) {
	resp, err := c.api.From("shops").
		Select("*").
		Eq("id", id).
		Single().
		Execute(ctx)
	if err := firstErr(err, resp); err != nil {
		return nil, c.fail("get shop", err, "Failed to load shop")
	}

	var shop domain.Shop
	if err := resp.JSON(&shop); err != nil {
		return nil, c.fail("get shop", fmt.Errorf("decode shop: %w", err), "Failed to load shop")
	}
	return &shop, nil
}

// Products lists a shop's products, name order. Inactive products are
// included; the cart enforces that they cannot be added.
func (c *Catalog) Products(ctx context.Context, shopID string) ([]domain.Product, error) {
	resp, err := c.api.From("products").
		Select("*").
		Eq("shop_id", shopID).
		Order("name", true).
		Execute(ctx)
	if err := firstErr(err, resp); err != nil {
		return nil, c.fail("list products", err, "Failed to load products")
	}

	var products []domain.Product
	if err := resp.JSON(&products); err != nil {
		return nil, c.fail("list products", fmt.Errorf("decode products: %w", err), "Failed to load products")
	}
	return products, nil
}

func (c *Catalog) fail(op string, err error, msg string) error {
	c.logger.Warn().Err(err).Msg(op + " failed")
	c.metrics.RemoteFailure("catalog")
	c.notify.Error(msg)
	return err
}

func firstErr(err error, resp *client.Response) error {
	if err != nil {
		return err
	}
	return resp.Error()
}
