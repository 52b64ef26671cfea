package proxy

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/server"
)

// dialer implements pool.Dialer: it resolves a pool.Key to a dial address
// and the plaintext password needed to authenticate a fresh connection on
// a pool miss. internal/router owns server health and routing eligibility;
// this only needs enough to open and authenticate a socket.
type dialer struct {
	mu        sync.RWMutex
	servers   map[string]*server.Server
	passwords map[string]string // backend username -> password
}

func newDialer() *dialer {
	return &dialer{
		servers:   make(map[string]*server.Server),
		passwords: make(map[string]string),
	}
}

func (d *dialer) addServer(srv *server.Server) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers[srv.Name] = srv
}

func (d *dialer) removeServer(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.servers, name)
}

func (d *dialer) setPassword(username, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[username] = password
}

// DialTarget implements pool.Dialer.
func (d *dialer) DialTarget(key pool.Key) (address string, password string, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	srv, ok := d.servers[key.ServerName]
	if !ok {
		return "", "", fmt.Errorf("proxy: unknown backend server %q", key.ServerName)
	}
	password, ok = d.passwords[key.Username]
	if !ok {
		return "", "", fmt.Errorf("proxy: no credentials configured for backend user %q", key.Username)
	}
	return net.JoinHostPort(srv.Address, strconv.Itoa(srv.Port)), password, nil
}
