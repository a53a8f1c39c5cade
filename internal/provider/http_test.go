package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Cypherspark/push-dispatch/internal/provider"
	"github.com/stretchr/testify/require"
)

func TestHTTPGateway_MulticastClassifiesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/send-multicast", r.URL.Path)
		require.Equal(t, "key=secret", r.Header.Get("Authorization"))
		var in struct {
			Tokens []string `json:"tokens"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		results := []map[string]string{}
		for _, tok := range in.Tokens {
			item := map[string]string{"token": tok}
			switch tok {
			case "dead":
				item["error"] = "unregistered"
			case "oops":
				item["error"] = "internal"
			}
			results = append(results, item)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer srv.Close()

	gw := provider.NewHTTPGateway(srv.URL, "secret", time.Second)
	resp, err := gw.SendMulticast(context.Background(), []string{"a", "dead", "oops"}, provider.Message{Title: "t", Body: "b"})
	require.NoError(t, err)
	require.Len(t, resp.Responses, 3)
	require.Equal(t, 1, resp.SuccessCount())
	require.Equal(t, 2, resp.FailureCount())
	require.True(t, provider.IsInvalidDestination(resp.Responses[1].Err))
	require.Error(t, resp.Responses[2].Err)
	require.False(t, provider.IsInvalidDestination(resp.Responses[2].Err))
}

func TestHTTPGateway_SendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		switch in.Token {
		case "ok":
			w.WriteHeader(http.StatusOK)
		case "bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	gw := provider.NewHTTPGateway(srv.URL, "", time.Second)
	ctx := context.Background()
	require.NoError(t, gw.Send(ctx, "ok", provider.Message{}))
	require.ErrorIs(t, gw.Send(ctx, "bad", provider.Message{}), provider.ErrInvalidToken)
	err := gw.Send(ctx, "other", provider.Message{})
	require.Error(t, err)
	require.False(t, provider.IsInvalidDestination(err))
}

func TestHTTPGateway_MulticastTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gw := provider.NewHTTPGateway(srv.URL, "", time.Second)
	_, err := gw.SendMulticast(context.Background(), []string{"a"}, provider.Message{})
	require.Error(t, err)
}

func TestSimulated_RejectsInvalidPrefix(t *testing.T) {
	sim := &provider.Simulated{}
	resp, err := sim.SendMulticast(context.Background(), []string{"good", "invalid:x"}, provider.Message{})
	require.NoError(t, err)
	require.Nil(t, resp.Responses[0].Err)
	require.ErrorIs(t, resp.Responses[1].Err, provider.ErrUnregistered)
}
