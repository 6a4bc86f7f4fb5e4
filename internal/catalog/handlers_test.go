package catalog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-orders/internal/catalog"
	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
	"github.com/noah-isme/toko-orders/internal/store"
)

func TestCatalogHandlers(t *testing.T) {
	svc, err := catalog.NewService(catalog.ServiceConfig{Products: store.NewMemory[catalog.Product]()})
	require.NoError(t, err)
	r := chi.NewRouter()
	catalog.NewHandler(catalog.HandlerConfig{Service: svc, AdminToken: "admin"}).Routes(r)

	put := func(id, body, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/admin/products/"+id, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set(common.AdminTokenHeader, token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusUnauthorized, put("mug", `{"name":"Mug","price":"3"}`, "").Code)
	require.Equal(t, http.StatusOK, put("mug", `{"name":"Mug","price":"3.50","currency":"eur","quantity_hand":"4"}`, "admin").Code)
	require.Equal(t, http.StatusOK, put("bowl", `{"name":"Bowl","price":"7"}`, "admin").Code)
	require.Equal(t, http.StatusUnprocessableEntity, put("bad", `{"name":"Bad","price":"-1"}`, "admin").Code)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/mug", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Data catalog.Product `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, "EUR", detail.Data.Currency)
	require.True(t, detail.Data.QuantityHand.Decimal.Equal(pricing.FromInt(4)))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products?page=1&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-Total-Count"))
	var list struct {
		Data []catalog.Product `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, "Bowl", list.Data[0].Name)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProductCacheInvalidatedOnDecrement(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	products := store.NewMemory[catalog.Product]()
	svc, err := catalog.NewService(catalog.ServiceConfig{
		Products: products,
		Cache:    catalog.NewCache(rdb, time.Minute, "test:"),
	})
	require.NoError(t, err)
	_, err = svc.Save(ctx, catalog.Product{ID: "lamp", Name: "Lamp", Price: pricing.FromInt(10), QuantityHand: decimal.NewNullDecimal(pricing.FromInt(5))})
	require.NoError(t, err)

	_, err = svc.Product(ctx, "lamp")
	require.NoError(t, err)
	require.True(t, mr.Exists("test:product:lamp"))

	require.NoError(t, svc.Decrement(ctx, "lamp", pricing.FromInt(2)))
	require.False(t, mr.Exists("test:product:lamp"))
	p, err := svc.Product(ctx, "lamp")
	require.NoError(t, err)
	require.True(t, p.QuantityHand.Decimal.Equal(pricing.FromInt(3)))
}
