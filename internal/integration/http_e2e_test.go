//go:build integration || !unit

package integration

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	server "space_broker/internal/adapters/http_server"
	"space_broker/internal/adapters/otp"
	"space_broker/internal/adapters/payments"
	redisad "space_broker/internal/adapters/redis"
	"space_broker/internal/app"
	"space_broker/internal/domain"
	mysqlrepo "space_broker/internal/storage/mysql"
)

// ---------- infrastructure ----------

func mustEnv(t *testing.T, k string) string {
	t.Helper()
	v := os.Getenv(k)
	if v == "" {
		t.Fatalf("%s not set; export it (e.g. MIGRATIONS_DIR=/path/to/sql)", k)
	}
	return v
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	dir := mustEnv(t, "MIGRATIONS_DIR")

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	var files []string
	for _, e := range ents {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		t.Fatalf("no .sql files in %s", dir)
	}
	sort.Strings(files)
	for _, f := range files {
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			t.Fatalf("exec %s: %v", f, err)
		}
	}
}

func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("dockertest: %v", err)
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=root",
			"MYSQL_DATABASE=spacebroker",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	hostPort := resource.GetPort("3306/tcp")
	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/spacebroker?parseTime=true&multiStatements=true&charset=utf8mb4,utf8&loc=UTC", hostPort)

	var db *sql.DB
	if err := pool.Retry(func() error {
		var e error
		db, e = sql.Open("mysql", dsn)
		if e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	applyMigrations(t, db)
	return db
}

// fakeGateway is a stand-in payment gateway speaking the real wire
// protocol, so the production payments client is exercised end to end.
func fakeGateway(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var charges int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/charges/authorize", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		n := atomic.AddInt32(&charges, 1)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"ref": fmt.Sprintf("ch_%d", n)})
	})
	mux.HandleFunc("/v1/charges/", func(w http.ResponseWriter, r *http.Request) {
		// capture and refund
		w.WriteHeader(http.StatusNoContent)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &charges
}

type env struct {
	api *httptest.Server
}

func startEnv(t *testing.T) *env {
	t.Helper()
	db := startMySQL(t)

	if _, err := db.Exec(`INSERT INTO accounts (id, role) VALUES (10, 'host'), (77, 'guest')`); err != nil {
		t.Fatalf("seed accounts: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO spaces (host_id, name, city, total_area_m2, available_area_m2, prices)
VALUES (10, 'Trastero Centro', 'Madrid', 100, 50, '{"month": 5000}')`); err != nil {
		t.Fatalf("seed space: %v", err)
	}

	m := miniredis.RunT(t)
	gateway, _ := fakeGateway(t)

	store := mysqlrepo.New(db)
	cache := redisad.New(m.Addr(), "", 0)
	provider, err := payments.New(gateway.URL, "test-key", 100)
	if err != nil {
		t.Fatalf("payments client: %v", err)
	}
	codes := otp.New(m.Addr(), "", 1, time.Minute)

	srv := server.New()
	srv.MountHandlers(&server.Handlers{
		Booking:      app.NewBookingService(store, provider, cache),
		Contracts:    app.NewContractService(store, provider, codes, cache),
		Appointments: app.NewAppointmentService(store, cache),
		Q:            app.NewQueryService(store, cache, time.Minute),
	})

	api := httptest.NewServer(srv.Mux())
	t.Cleanup(api.Close)
	return &env{api: api}
}

func (e *env) do(t *testing.T, method, path string, by domain.Principal, idemKey string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", fmt.Sprintf("%d", by.ID))
	req.Header.Set("X-User-Role", string(by.Role))
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

// ---------- the test ----------

func TestHTTP_EndToEnd_FullLifecycle(t *testing.T) {
	e := startEnv(t)
	guest := domain.Principal{ID: 77, Role: domain.RoleGuest}
	host := domain.Principal{ID: 10, Role: domain.RoleHost}

	// quote: 10 m² x 2 months at 50.00 with the seeded 20% deposit
	var quote domain.Breakdown
	if code := e.do(t, "POST", "/v1/quotes", guest, "", map[string]any{
		"space_id": 1, "area_m2": 10, "unit": "month", "periods": 2,
	}, &quote); code != http.StatusOK {
		t.Fatalf("quote status %d", code)
	}
	if quote.Total != 100000 || quote.Deposit != 20000 {
		t.Fatalf("quote: %+v", quote)
	}

	// reservation with deposit custody
	var res domain.Reservation
	if code := e.do(t, "POST", "/v1/reservations", guest, "e2e-dep-1", map[string]any{
		"space_id": 1, "quote": quote, "method": "card",
	}, &res); code != http.StatusCreated {
		t.Fatalf("reservation status %d", code)
	}
	if res.Status != domain.ReservationDepositHeld {
		t.Fatalf("reservation: %+v", res)
	}

	// the visit negotiation
	var appt domain.Appointment
	at := time.Now().UTC().Truncate(time.Second).AddDate(0, 0, 3)
	if code := e.do(t, "POST", fmt.Sprintf("/v1/reservations/%d/appointments", res.ID), guest, "", map[string]any{
		"at": at,
	}, &appt); code != http.StatusCreated {
		t.Fatalf("appointment status %d", code)
	}

	// host cannot accept before the guest's clause acceptance
	if code := e.do(t, "POST", fmt.Sprintf("/v1/appointments/%d/accept", appt.ID), host, "", nil, nil); code != http.StatusForbidden {
		t.Fatalf("pre-compliance accept status %d", code)
	}
	if code := e.do(t, "POST", fmt.Sprintf("/v1/appointments/%d/compliance", appt.ID), guest, "", nil, nil); code != http.StatusOK {
		t.Fatalf("compliance status %d", code)
	}
	if code := e.do(t, "POST", fmt.Sprintf("/v1/appointments/%d/accept", appt.ID), host, "", nil, &appt); code != http.StatusOK {
		t.Fatalf("accept status %d", code)
	}
	if code := e.do(t, "POST", fmt.Sprintf("/v1/appointments/%d/complete", appt.ID), host, "", nil, &appt); code != http.StatusOK {
		t.Fatalf("complete status %d", code)
	}
	if appt.Status != domain.AppointmentRealizada {
		t.Fatalf("appointment: %+v", appt)
	}

	// the signing protocol
	var contract domain.Contract
	if code := e.do(t, "POST", fmt.Sprintf("/v1/reservations/%d/contract", res.ID), guest, "", nil, &contract); code != http.StatusCreated {
		t.Fatalf("initiate status %d", code)
	}

	var otpOut map[string]string
	if code := e.do(t, "POST", fmt.Sprintf("/v1/contracts/%d/otp", contract.ID), guest, "", nil, &otpOut); code != http.StatusCreated {
		t.Fatalf("guest otp status %d", code)
	}
	if code := e.do(t, "POST", fmt.Sprintf("/v1/contracts/%d/sign", contract.ID), guest, "", map[string]string{
		"code": otpOut["code"],
	}, &contract); code != http.StatusOK {
		t.Fatalf("guest sign status %d", code)
	}

	// the host is blocked until account-level acceptance
	if code := e.do(t, "POST", fmt.Sprintf("/v1/contracts/%d/otp", contract.ID), host, "", nil, &otpOut); code != http.StatusCreated {
		t.Fatalf("host otp status %d", code)
	}
	if code := e.do(t, "POST", fmt.Sprintf("/v1/contracts/%d/sign", contract.ID), host, "", map[string]string{
		"code": otpOut["code"],
	}, nil); code != http.StatusForbidden {
		t.Fatalf("gated host sign status %d", code)
	}
	if code := e.do(t, "POST", "/v1/accounts/compliance", host, "", nil, nil); code != http.StatusNoContent {
		t.Fatalf("account compliance status %d", code)
	}
	if code := e.do(t, "POST", fmt.Sprintf("/v1/contracts/%d/sign", contract.ID), host, "", map[string]string{
		"code": otpOut["code"],
	}, &contract); code != http.StatusOK {
		t.Fatalf("host sign status %d", code)
	}
	if contract.Status != domain.ContractActive || contract.CommissionPercent != 10 {
		t.Fatalf("contract after signatures: %+v", contract)
	}

	// deposit released with the 10% commission split
	var pays []domain.Payment
	if code := e.do(t, "GET", fmt.Sprintf("/v1/reservations/%d/payments", res.ID), guest, "", nil, &pays); code != http.StatusOK {
		t.Fatalf("payments status %d", code)
	}
	if len(pays) != 1 || pays[0].Status != domain.EscrowReleased {
		t.Fatalf("payments: %+v", pays)
	}
	if pays[0].Commission != 2000 || pays[0].Payout != 18000 {
		t.Fatalf("split: %+v", pays[0])
	}

	// extension: one more month charged in full
	if code := e.do(t, "POST", fmt.Sprintf("/v1/contracts/%d/extend", contract.ID), guest, "e2e-ext-1", map[string]any{
		"unit": "month", "periods": 1, "method": "card",
	}, &contract); code != http.StatusOK {
		t.Fatalf("extend status %d", code)
	}
	if contract.Total != 150000 {
		t.Fatalf("extended total: %s", contract.Total)
	}

	// projections reflect the committed state
	var view struct {
		Contract domain.Contract         `json:"contract"`
		Periods  []domain.ContractPeriod `json:"periods"`
	}
	if code := e.do(t, "GET", fmt.Sprintf("/v1/contracts/%d", contract.ID), guest, "", nil, &view); code != http.StatusOK {
		t.Fatalf("contract view status %d", code)
	}
	if len(view.Periods) != 2 {
		t.Fatalf("periods: %+v", view.Periods)
	}
	// the same view resolves through the reservation
	if code := e.do(t, "GET", fmt.Sprintf("/v1/reservations/%d/contract", res.ID), guest, "", nil, &view); code != http.StatusOK {
		t.Fatalf("contract by reservation status %d", code)
	}
	if view.Contract.ID != contract.ID {
		t.Fatalf("contract by reservation: %+v", view.Contract)
	}

	// strangers see nothing
	stranger := domain.Principal{ID: 9999, Role: domain.RoleGuest}
	if code := e.do(t, "GET", fmt.Sprintf("/v1/reservations/%d", res.ID), stranger, "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("stranger status %d", code)
	}
	// and anonymous callers are rejected outright
	req, _ := http.NewRequest("GET", e.api.URL+"/v1/reservations", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("anonymous: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d", resp.StatusCode)
	}
}

func TestHTTP_CancelFlow(t *testing.T) {
	e := startEnv(t)
	guest := domain.Principal{ID: 77, Role: domain.RoleGuest}

	var quote domain.Breakdown
	e.do(t, "POST", "/v1/quotes", guest, "", map[string]any{
		"space_id": 1, "area_m2": 10, "unit": "month", "periods": 1,
	}, &quote)

	var res domain.Reservation
	if code := e.do(t, "POST", "/v1/reservations", guest, "e2e-cancel-1", map[string]any{
		"space_id": 1, "quote": quote, "method": "card",
	}, &res); code != http.StatusCreated {
		t.Fatalf("reservation status %d", code)
	}

	if code := e.do(t, "POST", fmt.Sprintf("/v1/reservations/%d/cancel", res.ID), guest, "", nil, &res); code != http.StatusOK {
		t.Fatalf("cancel status %d", code)
	}
	if res.Status != domain.ReservationRefunded {
		t.Fatalf("after cancel: %+v", res)
	}

	var pays []domain.Payment
	e.do(t, "GET", fmt.Sprintf("/v1/reservations/%d/payments", res.ID), guest, "", nil, &pays)
	if len(pays) != 1 || pays[0].Status != domain.EscrowRefunded {
		t.Fatalf("payments: %+v", pays)
	}
}
