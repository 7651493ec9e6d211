package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zabtt/storefront/supabase/client"
)

func newTestCatalog(t *testing.T, handler http.Handler) *Catalog {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	api, err := client.New(client.Config{URL: server.URL, APIKey: "anon-key"})
	if err != nil {
		t.Fatalf("client.New() error: %v", err)
	}
	return New(Config{API: api, Logger: zerolog.Nop()})
}

func TestShops(t *testing.T) {
	var gotQuery string
	c := newTestCatalog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/shops" {
			t.Errorf("path = %s, want /rest/v1/shops", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[{"id":"s-1","name":"Alpha"},{"id":"s-2","name":"Beta"}]`))
	}))

	shops, err := c.Shops(context.Background())
	if err != nil {
		t.Fatalf("Shops() error: %v", err)
	}
	if len(shops) != 2 || shops[0].Name != "Alpha" {
		t.Errorf("Shops() = %v, want Alpha then Beta", shops)
	}
	if gotQuery != "order=name.asc&select=%2A" {
		t.Errorf("query = %s, want name order", gotQuery)
	}
}

func TestShop(t *testing.T) {
	c := newTestCatalog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/vnd.pgrst.object+json" {
			t.Errorf("Accept = %s, want single-object accept", r.Header.Get("Accept"))
		}
		w.Write([]byte(`{"id":"s-1","name":"Alpha","rating":4.5}`))
	}))

	shop, err := c.Shop(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Shop() error: %v", err)
	}
	if shop.Name != "Alpha" || shop.Rating != 4.5 {
		t.Errorf("Shop() = %+v, want Alpha / 4.5", shop)
	}
}

func TestProducts(t *testing.T) {
	var gotQuery string
	c := newTestCatalog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[{"id":"p-1","shop_id":"s-1","name":"Widget","price":9.5,"status":"inactive"}]`))
	}))

	products, err := c.Products(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Products() error: %v", err)
	}
	if gotQuery != "order=name.asc&select=%2A&shop_id=eq.s-1" {
		t.Errorf("query = %s, want shop filter and name order", gotQuery)
	}
	if len(products) != 1 {
		t.Fatalf("len = %d, want 1", len(products))
	}
	// Inactive products come through; the cart rejects them at add time.
	if !products[0].Inactive() {
		t.Error("inactive product should survive listing")
	}
}

func TestShops_RemoteFailure(t *testing.T) {
	c := newTestCatalog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message":"upstream down"}`))
	}))

	shops, err := c.Shops(context.Background())
	if err == nil {
		t.Fatal("Shops() should return the remote error")
	}
	if shops != nil {
		t.Errorf("Shops() = %v, want nil on failure", shops)
	}
}
