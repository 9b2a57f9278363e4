package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"price_watcher/internal/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceFetchesProducts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.Write([]byte(`{"products":[{"id":1,"name":"Чай","price":450.10},"junk",{"id":"2","price":{"current":"99,5"}}]}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second)
	raw, err := src.FetchProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, raw, 3)
	assert.Equal(t, json.Number("450.10"), raw[0]["price"])
	assert.Nil(t, raw[1])

	products := Products(Normalize(raw))
	require.Len(t, products, 2)
	assert.Equal(t, "450.1", products[0].Price.String())
	assert.Equal(t, "99.5", products[1].Price.String())
}

func TestHTTPSourceNestedDataShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"products":[{"id":5,"price":1}]}}`))
	}))
	defer srv.Close()

	raw, err := NewHTTPSource(srv.URL, time.Second).FetchProducts(context.Background())
	require.NoError(t, err)
	assert.Len(t, raw, 1)
}

func TestHTTPSourceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   faults.Kind
	}{
		{"bad gateway", http.StatusBadGateway, "oops", faults.Transient},
		{"no products", http.StatusOK, `{"items":[]}`, faults.Malformed},
		{"not json", http.StatusOK, `<html>`, faults.Malformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPSource(srv.URL, time.Second).FetchProducts(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, faults.KindOf(err))
		})
	}
}

func TestHTTPSourceHonoursTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, 50*time.Millisecond).FetchProducts(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}
