package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/proxy"
	"github.com/dbbouncer/dbbouncer/internal/server"
)

func testAPIServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Servers: map[string]config.ServerConfig{
			"db1": {Address: "127.0.0.1", Port: 3306},
		},
		Services: map[string]config.ServiceConfig{
			"orders": {Servers: []string{"db1"}, User: "app", Password: "s3cret"},
		},
	}
	p, err := proxy.NewServer(cfg, metrics.New(), nil)
	if err != nil {
		t.Fatalf("proxy.NewServer: %v", err)
	}
	return NewServer(p, nil, metrics.New(), config.APIConfig{})
}

func withVars(r *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(r, vars)
}

func TestListServersReturnsRegisteredBackends(t *testing.T) {
	s := testAPIServer(t)
	req := httptest.NewRequest(http.MethodGet, "/servers", nil)
	rec := httptest.NewRecorder()
	s.listServers(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []serverResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got) != 1 || got[0].Name != "db1" {
		t.Errorf("expected [db1], got %v", got)
	}
}

func TestCreateServerThenDestroy(t *testing.T) {
	s := testAPIServer(t)

	body := strings.NewReader(`{"name":"db2","address":"127.0.0.1","port":3307}`)
	req := httptest.NewRequest(http.MethodPost, "/servers", body)
	rec := httptest.NewRecorder()
	s.createServer(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, ok := s.proxy.Backend("db2"); !ok {
		t.Fatal("expected db2 registered on the proxy server")
	}

	req = withVars(httptest.NewRequest(http.MethodDelete, "/servers/db2", nil), map[string]string{"name": "db2"})
	rec = httptest.NewRecorder()
	s.destroyServer(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, ok := s.proxy.Backend("db2"); ok {
		t.Error("expected db2 removed from the proxy server")
	}
}

func TestCreateServerRejectsDuplicateName(t *testing.T) {
	s := testAPIServer(t)
	body := strings.NewReader(`{"name":"db1","address":"127.0.0.1","port":3306}`)
	req := httptest.NewRequest(http.MethodPost, "/servers", body)
	rec := httptest.NewRecorder()
	s.createServer(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate server name, got %d", rec.Code)
	}
}

func TestSetAndClearServerMaint(t *testing.T) {
	s := testAPIServer(t)

	req := withVars(httptest.NewRequest(http.MethodPost, "/servers/db1/maint", nil), map[string]string{"name": "db1"})
	rec := httptest.NewRecorder()
	s.setServerMaint(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	srv, _ := s.proxy.Backend("db1")
	if !srv.Status().Has(server.Maint) {
		t.Error("expected Maint bit set after setServerMaint")
	}

	req = withVars(httptest.NewRequest(http.MethodDelete, "/servers/db1/maint", nil), map[string]string{"name": "db1"})
	rec = httptest.NewRecorder()
	s.clearServerMaint(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if srv.Status().Has(server.Maint) {
		t.Error("expected Maint bit cleared after clearServerMaint")
	}
}

func TestLinkAndUnlinkServer(t *testing.T) {
	s := testAPIServer(t)
	s.proxy.AddServer("db2", config.ServerConfig{Address: "127.0.0.1", Port: 3307})

	req := withVars(httptest.NewRequest(http.MethodPost, "/services/orders/servers/db2", nil),
		map[string]string{"name": "orders", "server": "db2"})
	rec := httptest.NewRecorder()
	s.linkServer(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rt, _ := s.proxy.Service("orders")
	if got := rt.Router.Servers("orders"); len(got) != 2 {
		t.Fatalf("expected 2 linked servers after link, got %d", len(got))
	}

	req = withVars(httptest.NewRequest(http.MethodDelete, "/services/orders/servers/db2", nil),
		map[string]string{"name": "orders", "server": "db2"})
	rec = httptest.NewRecorder()
	s.unlinkServer(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rt.Router.Servers("orders"); len(got) != 1 {
		t.Fatalf("expected 1 linked server after unlink, got %d", len(got))
	}
}

func TestDestroyServiceRejectedWhileListenerBound(t *testing.T) {
	s := testAPIServer(t)
	if err := s.proxy.AddListener("orders-listener", config.ListenerConfig{Service: "orders", Bind: "127.0.0.1", Port: 0}); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	req := withVars(httptest.NewRequest(http.MethodDelete, "/services/orders", nil), map[string]string{"name": "orders"})
	rec := httptest.NewRecorder()
	s.destroyService(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a listener is still bound, got %d", rec.Code)
	}
}

func TestStatusHandlerReportsCounts(t *testing.T) {
	s := testAPIServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.statusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if int(got["num_servers"].(float64)) != 1 {
		t.Errorf("expected num_servers 1, got %v", got["num_servers"])
	}
	if int(got["num_services"].(float64)) != 1 {
		t.Errorf("expected num_services 1, got %v", got["num_services"])
	}
}
