package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

type fakeProvider struct {
	server     *httptest.Server
	apiStatus  atomic.Int32
	tokenCalls atomic.Int32
	blocking   atomic.Bool
	release    chan struct{}
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{release: make(chan struct{})}
	fp.apiStatus.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fp.tokenCalls.Add(1)
		id, secret, ok := r.BasicAuth()
		if !ok {
			_ = r.ParseForm()
			id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
		}
		w.Header().Set("Content-Type", "application/json")
		if id != "client" || secret != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1/employee", func(w http.ResponseWriter, r *http.Request) {
		if fp.blocking.Load() {
			<-fp.release
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status := int(fp.apiStatus.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("upstream trouble"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{
			{"name": "Ada Lovelace", "department": "R&D", "employee_id": "E1", "annual_wages": 120000},
			{"name": "Grace Hopper", "department": "Ops", "annual_wages": 95000},
		}})
	})
	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakeProvider) provider() Provider {
	return Provider{Name: "gusto", BaseURL: fp.server.URL, TokenURL: fp.server.URL + "/token", RequestsPerSecond: 100, Burst: 5}
}

func TestConnectAndFetchRecords(t *testing.T) {
	fp := newFakeProvider(t)
	metrics := telemetry.NewMetrics(nil)
	client := New([]Provider{fp.provider()}, WithMetrics(metrics))

	h, err := client.Connect(context.Background(), "gusto", Credentials{ClientID: "client", ClientSecret: "secret"})
	require.NoError(t, err)
	require.Equal(t, "gusto", h.Provider())

	records, err := h.Records(context.Background(), domain.KindEmployee)
	require.NoError(t, err)
	require.Len(t, records, 2)
	emp := records[0].(domain.Employee)
	require.Equal(t, "Ada Lovelace", emp.Name)
	require.Equal(t, "E1", emp.EmployeeID)
	require.Equal(t, 120000.0, emp.AnnualWages)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.SyncOutcomes.WithLabelValues("gusto", telemetry.OutcomeSuccess)))
}

func TestConnectRejectedCredentials(t *testing.T) {
	fp := newFakeProvider(t)
	client := New([]Provider{fp.provider()})
	_, err := client.Connect(context.Background(), "gusto", Credentials{ClientID: "client", ClientSecret: "wrong"})
	var authErr domain.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "gusto", authErr.Provider)
}

func TestConnectUnreachable(t *testing.T) {
	fp := newFakeProvider(t)
	p := fp.provider()
	fp.server.Close()
	client := New([]Provider{p})
	_, err := client.Connect(context.Background(), "gusto", Credentials{ClientID: "client", ClientSecret: "secret"})
	var connErr domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestConnectUnknownProvider(t *testing.T) {
	_, err := New(nil).Connect(context.Background(), "nope", Credentials{})
	require.ErrorContains(t, err, "unknown provider")
}

func TestFetchServerErrorIsConnectionError(t *testing.T) {
	fp := newFakeProvider(t)
	metrics := telemetry.NewMetrics(nil)
	client := New([]Provider{fp.provider()}, WithMetrics(metrics))
	h, err := client.Connect(context.Background(), "gusto", Credentials{ClientID: "client", ClientSecret: "secret"})
	require.NoError(t, err)

	fp.apiStatus.Store(http.StatusBadGateway)
	_, err = h.Records(context.Background(), domain.KindEmployee)
	var connErr domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.ErrorContains(t, err, "upstream trouble")
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.SyncOutcomes.WithLabelValues("gusto", telemetry.OutcomeFailure)))

	fp.apiStatus.Store(http.StatusForbidden)
	_, err = h.Records(context.Background(), domain.KindEmployee)
	var authErr domain.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestFetchUnknownKindPath(t *testing.T) {
	fp := newFakeProvider(t)
	client := New([]Provider{fp.provider()})
	h, err := client.Connect(context.Background(), "gusto", Credentials{ClientID: "client", ClientSecret: "secret"})
	require.NoError(t, err)
	_, err = h.Records(context.Background(), domain.KindProject)
	require.True(t, errors.As(err, new(domain.ConnectionError)), "404 maps to ConnectionError: %v", err)
}

func TestConcurrentPullIsRejected(t *testing.T) {
	fp := newFakeProvider(t)
	client := New([]Provider{fp.provider()})
	h, err := client.Connect(context.Background(), "gusto", Credentials{ClientID: "client", ClientSecret: "secret"})
	require.NoError(t, err)

	fp.blocking.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := h.Records(context.Background(), domain.KindEmployee)
		done <- err
	}()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.inFlight
	}, testTimeout, testTick)
	_, err = h.Records(context.Background(), domain.KindEmployee)
	require.ErrorIs(t, err, domain.ErrInFlight)
	close(fp.release)
	require.NoError(t, <-done)
}
