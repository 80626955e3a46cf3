package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/streamctl/internal/metaerrors"
)

type registerPayload struct {
	Host    string `json:"host"`
	ID      uint32 `json:"id"`
	PUCount int    `json:"pu_count"`
}

func TestPostJSONRegistrationRoundTrip(t *testing.T) {
	var got registerPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, decodeInto(r, &got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer server.Close()

	var resp struct {
		Accepted bool `json:"accepted"`
	}
	err := PostJSON(context.Background(), server.Client(), server.URL+"/workers/register",
		registerPayload{ID: 3, Host: "w3:9090", PUCount: 4}, &resp)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, registerPayload{ID: 3, Host: "w3:9090", PUCount: 4}, got)
}

func TestPostJSONNilOutDiscardsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := PostJSON(context.Background(), server.Client(), server.URL+"/workers/heartbeat",
		map[string]uint32{"id": 3}, nil)
	assert.NoError(t, err)
}

func TestPostJSONMapsStatusToErrorKind(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   metaerrors.Kind
	}{
		{"not found becomes TaskNotFound", http.StatusNotFound, metaerrors.TaskNotFound},
		{"server error becomes Rpc", http.StatusInternalServerError, metaerrors.Rpc},
		{"conflict becomes Rpc", http.StatusConflict, metaerrors.Rpc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := PostJSON(context.Background(), server.Client(), server.URL+"/rpc/build_actors",
				BuildActorsRequest{RequestID: "r1", ActorIDs: []uint64{1}}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, metaerrors.KindOf(err))
		})
	}
}

func TestPostJSONContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	err := PostJSON(ctx, server.Client(), server.URL+"/rpc/inject_barrier",
		InjectBarrierRequest{PrevEpoch: 1, CurrEpoch: 2}, nil)
	require.Error(t, err)
	assert.Equal(t, metaerrors.Rpc, metaerrors.KindOf(err))
}

func TestPostJSONUnmarshalableBodyFails(t *testing.T) {
	err := PostJSON(context.Background(), http.DefaultClient, "http://127.0.0.1:0/never-dialed",
		make(chan int), nil)
	require.Error(t, err)
	assert.Equal(t, metaerrors.Internal, metaerrors.KindOf(err))
}

func decodeInto(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
