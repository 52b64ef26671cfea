package proxy

import (
	"testing"

	"github.com/dbbouncer/dbbouncer/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Servers: map[string]config.ServerConfig{
			"db1": {Address: "127.0.0.1", Port: 3306},
		},
		Services: map[string]config.ServiceConfig{
			"orders": {
				Servers: []string{"db1"},
				User:    "app",
				Password: "s3cret",
			},
		},
		Listeners: map[string]config.ListenerConfig{
			"orders-listener": {Service: "orders", Bind: "127.0.0.1", Port: 0},
		},
	}
}

func TestNewServerWiresServicesAndBackends(t *testing.T) {
	s, err := NewServer(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if _, ok := s.backends["db1"]; !ok {
		t.Error("expected db1 registered as a backend")
	}
	rt, ok := s.services["orders"]
	if !ok {
		t.Fatal("expected orders service runtime")
	}
	if got := rt.Router.Servers("orders"); len(got) != 1 || got[0].Name != "db1" {
		t.Errorf("expected orders router to see db1, got %v", got)
	}
}

func TestNewServerRejectsUndefinedServer(t *testing.T) {
	cfg := testConfig()
	cfg.Services["orders"] = config.ServiceConfig{
		Servers: []string{"does-not-exist"},
		User:    "app",
	}
	if _, err := NewServer(cfg, nil, nil); err == nil {
		t.Fatal("expected error for service referencing an undefined server")
	}
}

func TestServerStartRejectsListenerForUndefinedService(t *testing.T) {
	cfg := testConfig()
	cfg.Listeners["bad-listener"] = config.ListenerConfig{Service: "does-not-exist", Port: 0}

	s, err := NewServer(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("expected Start to reject a listener bound to an undefined service")
	}
}

func TestServerAddAndRemoveServer(t *testing.T) {
	s, err := NewServer(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	s.AddServer("db2", config.ServerConfig{Address: "127.0.0.1", Port: 3307})
	if _, ok := s.backends["db2"]; !ok {
		t.Fatal("expected db2 registered after AddServer")
	}

	s.RemoveServer("db2")
	if _, ok := s.backends["db2"]; ok {
		t.Error("expected db2 forgotten after RemoveServer")
	}
}

func TestServerStartAndStopWithNoListeners(t *testing.T) {
	cfg := testConfig()
	cfg.Listeners = nil
	s, err := NewServer(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
