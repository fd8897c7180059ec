package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/tally/internal/adapters/auth"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/engine/classify"
)

func TestHTTPRefresher_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "r1", body["refresh_token"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","expires_at":1893456000,"user":{"id":"u1"}}`))
	}))
	defer srv.Close()

	cred, err := auth.NewHTTPRefresher(srv.URL, srv.Client()).Refresh(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.Credential{
		AccessToken:  "a2",
		RefreshToken: "r2",
		Subject:      "u1",
		ExpiresAt:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}, cred)
}

func TestHTTPRefresher_KeepsRefreshTokenAndUsesExpiresIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"a2","expires_in":3600,"subject":"u1"}`))
	}))
	defer srv.Close()

	before := time.Now()
	cred, err := auth.NewHTTPRefresher(srv.URL, nil).Refresh(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", cred.RefreshToken)
	assert.Equal(t, "u1", cred.Subject)
	assert.WithinDuration(t, before.Add(time.Hour), cred.ExpiresAt, 5*time.Second)
}

func TestHTTPRefresher_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   domain.ErrorKind
		code   string
	}{
		{name: "revoked", status: http.StatusUnauthorized, body: `{"error":"invalid_grant","error_description":"Refresh Token Not Found"}`, kind: domain.KindPermission, code: "invalid_grant"},
		{name: "forbidden", status: http.StatusForbidden, body: `{"code":"PGRST301","message":"JWT expired"}`, kind: domain.KindPermission, code: "PGRST301"},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: ``, kind: domain.KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := auth.NewHTTPRefresher(srv.URL, nil).Refresh(t.Context(), "r1")
			var remote *domain.RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, tt.status, remote.Status)
			assert.Equal(t, tt.code, remote.Code)
			assert.Equal(t, tt.kind, classify.Error(err))
		})
	}
}

func TestHTTPRefresher_MissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := auth.NewHTTPRefresher(srv.URL, nil).Refresh(t.Context(), "r1")
	require.ErrorIs(t, err, domain.ErrCredentialInvalid)
}

func TestHTTPRefresher_NoEndpoint(t *testing.T) {
	_, err := auth.NewHTTPRefresher("  ", nil).Refresh(t.Context(), "r1")
	require.ErrorIs(t, err, domain.ErrRefreshFailed)
}

func TestHTTPRefresher_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := auth.NewHTTPRefresher(url, nil).Refresh(t.Context(), "r1")
	require.Error(t, err)
	assert.Equal(t, domain.KindNetwork, classify.Error(err))
}
