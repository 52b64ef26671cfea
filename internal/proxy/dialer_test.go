package proxy

import (
	"testing"

	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/server"
)

func TestDialerResolvesAddressAndPassword(t *testing.T) {
	d := newDialer()
	d.addServer(server.New("db1", "10.0.0.5", 3306))
	d.setPassword("app", "s3cret")

	key := pool.NewKey("db1", "app", "s3cret", "", nil)
	addr, password, err := d.DialTarget(key)
	if err != nil {
		t.Fatalf("DialTarget: %v", err)
	}
	if addr != "10.0.0.5:3306" {
		t.Errorf("expected addr 10.0.0.5:3306, got %q", addr)
	}
	if password != "s3cret" {
		t.Errorf("expected password s3cret, got %q", password)
	}
}

func TestDialerUnknownServer(t *testing.T) {
	d := newDialer()
	d.setPassword("app", "s3cret")

	_, _, err := d.DialTarget(pool.NewKey("missing", "app", "s3cret", "", nil))
	if err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestDialerMissingCredentials(t *testing.T) {
	d := newDialer()
	d.addServer(server.New("db1", "10.0.0.5", 3306))

	_, _, err := d.DialTarget(pool.NewKey("db1", "app", "s3cret", "", nil))
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestDialerRemoveServer(t *testing.T) {
	d := newDialer()
	d.addServer(server.New("db1", "10.0.0.5", 3306))
	d.setPassword("app", "s3cret")
	d.removeServer("db1")

	_, _, err := d.DialTarget(pool.NewKey("db1", "app", "s3cret", "", nil))
	if err == nil {
		t.Fatal("expected error after server removal")
	}
}
