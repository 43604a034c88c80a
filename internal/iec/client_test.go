package iec

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/v1/voters/8001015009087":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id_number":"8001015009087","registered":true,"voting_district":"97090420","ward_code":"79800001"}`))
		case "/api/v1/voters/9002020123086":
			http.NotFound(w, r)
		case "/api/v1/voters/bad-json":
			_, _ = w.Write([]byte(`{"registered":`))
		case "/api/v1/voters/mismatch":
			_, _ = w.Write([]byte(`{"id_number":"0000000000000","registered":true}`))
		default:
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", time.Second)
	ctx := context.Background()

	v, err := c.Verify(ctx, "8001015009087")
	require.NoError(t, err)
	assert.True(t, v.Registered)
	assert.Equal(t, "97090420", v.VotingDistrict)
	assert.Equal(t, "79800001", v.WardCode)

	_, err = c.Verify(ctx, "9002020123086")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, Benign(err))

	_, err = c.Verify(ctx, "bad-json")
	require.Error(t, err)
	assert.False(t, Benign(err))

	_, err = c.Verify(ctx, "mismatch")
	require.Error(t, err)

	_, err = c.Verify(ctx, "other")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Contains(t, se.Error(), "upstream unavailable")
}

func TestVerifyTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "", time.Second).Verify(context.Background(), "8001015009087")
	require.Error(t, err)
	assert.False(t, Benign(err))
}

func TestVerifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", 50*time.Millisecond).Verify(context.Background(), "8001015009087")
	require.Error(t, err)
}
