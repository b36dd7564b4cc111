package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/signing"
)

const testSecret = "whsec_test"

var now = time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)

// fakeAlertStore is a minimal remote alert store keyed by idempotency key.
type fakeAlertStore struct {
	mu        sync.Mutex
	alerts    []AlertPayload
	byKey     map[string]string
	creates   int
	createErr int
	headers   http.Header
}

func newFakeAlertStore(t *testing.T) (*fakeAlertStore, *httptest.Server) {
	f := &fakeAlertStore{byKey: map[string]string{}}

	r := chi.NewRouter()
	r.Post("/v1/alerts", f.create)
	r.Get("/v1/alerts", f.list)
	r.Post("/v1/alerts/{id}/resolve", f.resolve)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAlertStore) create(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.headers = r.Header.Clone()

	if f.createErr != 0 {
		w.WriteHeader(f.createErr)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
		return
	}

	ts, _ := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if !signing.Verify(testSecret, body, ts, r.Header.Get(HeaderSignature), now, 5*time.Minute) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if id, ok := f.byKey[key]; ok {
		_ = json.NewEncoder(w).Encode(createResponse{ID: id})
		return
	}

	var p AlertPayload
	if err := json.Unmarshal(body, &p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.ID = "srv-" + strconv.Itoa(len(f.alerts)+1)
	f.alerts = append(f.alerts, p)
	f.byKey[key] = p.ID

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createResponse{ID: p.ID})
}

func (f *fakeAlertStore) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []AlertPayload
	user := r.URL.Query().Get("user_id")
	since, _ := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
	for _, a := range f.alerts {
		if user != "" && a.UserID != user {
			continue
		}
		if a.CreatedAt.Before(since) {
			continue
		}
		out = append(out, a)
	}
	_ = json.NewEncoder(w).Encode(listResponse{Alerts: out})
}

func (f *fakeAlertStore) resolve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := chi.URLParam(r, "id")
	for i := range f.alerts {
		if f.alerts[i].ID == id {
			f.alerts[i].Resolved = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func newTestHTTPStore(baseURL string) *HTTPStore {
	return NewHTTPStore(HTTPOptions{
		BaseURL:        baseURL + "/",
		APIToken:       "token-1",
		SigningSecret:  testSecret,
		InstallationID: "inst-1",
		Timeout:        2 * time.Second,
	}, clock.NewManual(now), zerolog.Nop())
}

func testAlert(user string, c models.Coordinate, at time.Time) models.Alert {
	return models.Alert{
		RequestID:  models.NewRequestID(at),
		UserID:     user,
		Type:       models.AlertPolice,
		Coordinate: c,
		CreatedAt:  at,
	}
}

func TestHTTPStore_Create(t *testing.T) {
	fake, srv := newFakeAlertStore(t)
	store := newTestHTTPStore(srv.URL)
	ctx := context.Background()

	a := testAlert("u1", models.Coordinate{Latitude: 51.5074, Longitude: -0.1278}, now)

	id, err := store.Create(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)

	t.Run("headers", func(t *testing.T) {
		assert.Equal(t, "Bearer token-1", fake.headers.Get("Authorization"))
		assert.Equal(t, "inst-1", fake.headers.Get(HeaderInstallation))
		assert.Equal(t, a.RequestID, fake.headers.Get(HeaderIdempotencyKey))
		assert.Equal(t, "application/json", fake.headers.Get("Content-Type"))
	})

	t.Run("repeat delivery is deduplicated", func(t *testing.T) {
		again, err := store.Create(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, id, again)
		assert.Len(t, fake.alerts, 1)
		assert.Equal(t, 2, fake.creates)
	})
}

func TestHTTPStore_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooEarly, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			fake, srv := newFakeAlertStore(t)
			fake.createErr = tt.status
			store := newTestHTTPStore(srv.URL)

			_, err := store.Create(context.Background(), testAlert("u1", models.Coordinate{Latitude: 1, Longitude: 1}, now))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Equal(t, !tt.permanent, errors.Is(err, ErrRemoteTransient))

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Contains(t, statusErr.Body, "nope")
		})
	}
}

func TestHTTPStore_TransportErrorIsTransient(t *testing.T) {
	_, srv := newFakeAlertStore(t)
	store := newTestHTTPStore(srv.URL)
	srv.Close()

	_, err := store.Create(context.Background(), testAlert("u1", models.Coordinate{Latitude: 1, Longitude: 1}, now))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteTransient))
	assert.False(t, IsPermanent(err))
}

func TestHTTPStore_MissingIDIsTransient(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	_, err := newTestHTTPStore(srv.URL).Create(context.Background(), testAlert("u1", models.Coordinate{Latitude: 1, Longitude: 1}, now))
	assert.True(t, errors.Is(err, ErrRemoteTransient))
}

func TestHTTPStore_QueriesAndResolve(t *testing.T) {
	_, srv := newFakeAlertStore(t)
	store := newTestHTTPStore(srv.URL)
	ctx := context.Background()

	center := models.Coordinate{Latitude: 48.8566, Longitude: 2.3522}
	nearby := models.Coordinate{Latitude: 48.8600, Longitude: 2.3500}
	far := models.Coordinate{Latitude: 48.9000, Longitude: 2.3522}

	nearID, err := store.Create(ctx, testAlert("alice", nearby, now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = store.Create(ctx, testAlert("bob", far, now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = store.Create(ctx, testAlert("alice", nearby, now.Add(-48*time.Hour)))
	require.NoError(t, err)

	t.Run("by user", func(t *testing.T) {
		alerts, err := store.QueryByUser(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, alerts, 2)
		for _, a := range alerts {
			assert.Equal(t, models.StateDelivered, a.State)
			assert.NotEmpty(t, a.RemoteID)
		}
	})

	t.Run("nearby within window", func(t *testing.T) {
		alerts, err := store.QueryNearby(ctx, center, 1000, 24*time.Hour)
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, nearID, alerts[0].RemoteID)
	})

	t.Run("resolve", func(t *testing.T) {
		require.NoError(t, store.Resolve(ctx, nearID))
		alerts, err := store.QueryByUser(ctx, "alice")
		require.NoError(t, err)
		resolved := 0
		for _, a := range alerts {
			if a.Resolved {
				resolved++
			}
		}
		assert.Equal(t, 1, resolved)

		err = store.Resolve(ctx, "srv-404")
		assert.True(t, IsPermanent(err))
	})
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(http.StatusCreated))
	assert.Equal(t, ErrRemoteTransient, Classify(http.StatusBadGateway))
	assert.Equal(t, ErrRemotePermanent, Classify(http.StatusConflict))
}
