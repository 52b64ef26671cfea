package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/mysql"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/server"
)

// fakeBackendServer listens on a real TCP socket and plays the backend side
// of the MariaDB connection phase for exactly one connection, then answers
// every COM_QUERY with an OK packet. This lets pool.Manager's real dial and
// authenticate path succeed, which a net.Pipe() backend (undialable by
// address) could not.
func fakeBackendServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		scramble, err := mysql.RandomScramble()
		if err != nil {
			return
		}
		if err := mysql.WritePacket(conn, mysql.BuildServerHandshake("8.0.34-fake", 7, scramble), 0); err != nil {
			return
		}
		respPkt, err := mysql.ReadPacket(conn)
		if err != nil {
			return
		}
		_ = respPkt
		if err := mysql.WritePacket(conn, mysql.BuildOKPacket(0), 2); err != nil {
			return
		}

		for {
			pkt, err := mysql.ReadPacket(conn)
			if err != nil {
				return
			}
			if len(pkt.Payload) == 0 {
				continue
			}
			if pkt.Payload[0] == mysql.ComQuit {
				return
			}
			if err := mysql.WritePacket(conn, mysql.BuildOKPacket(0), pkt.Seq+1); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func newTestRuntime(t *testing.T, srv *server.Server) *ServiceRuntime {
	t.Helper()
	rt, err := newServiceRuntime("orders", config.ServiceConfig{
		Servers:  []string{srv.Name},
		User:     "app",
		Password: "s3cret",
	})
	if err != nil {
		t.Fatalf("newServiceRuntime: %v", err)
	}
	rt.Router.AddServer(rt.Name, srv)
	return rt
}

func TestClientSessionHandshakeAndQuery(t *testing.T) {
	addr, stop := fakeBackendServer(t)
	defer stop()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}

	srv := server.New("db1", host, atoiPort(t, portStr))
	srv.Publish(server.Running|server.Master, server.Coordinates{}, 1, 0, "")

	rt := newTestRuntime(t, srv)

	d := newDialer()
	d.addServer(srv)
	d.setPassword("app", "s3cret")
	mgr := pool.NewManager(1, d, pool.ServerPoolConfig{
		DialTimeout:    2 * time.Second,
		AcquireTimeout: 2 * time.Second,
	})

	clientConn, proxyConn := net.Pipe()
	defer clientConn.Close()

	cs := newClientSession(proxyConn, rt, mgr, nil, nil)

	serveDone := make(chan error, 1)
	go func() { serveDone <- cs.serve(context.Background()) }()

	// Client side of the handshake.
	hsPkt, err := mysql.ReadPacket(clientConn)
	if err != nil {
		t.Fatalf("reading server handshake: %v", err)
	}
	hs, err := mysql.ParseServerHandshake(hsPkt.Payload)
	if err != nil {
		t.Fatalf("parsing server handshake: %v", err)
	}
	resp := mysql.BuildHandshakeResponse41("app", "s3cret", "", hs.AuthPluginData)
	if err := mysql.WritePacket(clientConn, resp, hsPkt.Seq+1); err != nil {
		t.Fatalf("writing handshake response: %v", err)
	}
	okPkt, err := mysql.ReadPacket(clientConn)
	if err != nil {
		t.Fatalf("reading handshake OK: %v", err)
	}
	if len(okPkt.Payload) == 0 || okPkt.Payload[0] != mysql.OKPacket {
		t.Fatalf("expected OK packet after handshake, got %v", okPkt.Payload)
	}

	// One SELECT round trip; the lone server is not a usable slave, so the
	// router sends it to the master.
	query := append([]byte{mysql.ComQuery}, []byte("SELECT 1")...)
	if err := mysql.WritePacket(clientConn, query, 0); err != nil {
		t.Fatalf("writing query: %v", err)
	}
	replyPkt, err := mysql.ReadPacket(clientConn)
	if err != nil {
		t.Fatalf("reading query reply: %v", err)
	}
	if len(replyPkt.Payload) == 0 || replyPkt.Payload[0] != mysql.OKPacket {
		t.Fatalf("expected OK reply for SELECT 1, got %v", replyPkt.Payload)
	}

	quit := []byte{mysql.ComQuit}
	if err := mysql.WritePacket(clientConn, quit, 0); err != nil {
		t.Fatalf("writing quit: %v", err)
	}

	select {
	case err := <-serveDone:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after COM_QUIT")
	}
}

func TestClientSessionRejectsBadPassword(t *testing.T) {
	addr, stop := fakeBackendServer(t)
	defer stop()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	srv := server.New("db1", host, atoiPort(t, portStr))
	srv.Publish(server.Running|server.Master, server.Coordinates{}, 1, 0, "")
	rt := newTestRuntime(t, srv)

	d := newDialer()
	d.addServer(srv)
	d.setPassword("app", "s3cret")
	mgr := pool.NewManager(1, d, pool.ServerPoolConfig{})

	clientConn, proxyConn := net.Pipe()
	defer clientConn.Close()
	cs := newClientSession(proxyConn, rt, mgr, nil, nil)

	serveDone := make(chan error, 1)
	go func() { serveDone <- cs.serve(context.Background()) }()

	hsPkt, err := mysql.ReadPacket(clientConn)
	if err != nil {
		t.Fatalf("reading server handshake: %v", err)
	}
	hs, err := mysql.ParseServerHandshake(hsPkt.Payload)
	if err != nil {
		t.Fatalf("parsing server handshake: %v", err)
	}
	resp := mysql.BuildHandshakeResponse41("app", "wrong-password", "", hs.AuthPluginData)
	if err := mysql.WritePacket(clientConn, resp, hsPkt.Seq+1); err != nil {
		t.Fatalf("writing handshake response: %v", err)
	}

	errPkt, err := mysql.ReadPacket(clientConn)
	if err != nil {
		t.Fatalf("reading error reply: %v", err)
	}
	if len(errPkt.Payload) == 0 || errPkt.Payload[0] != mysql.ErrPacket {
		t.Fatalf("expected ERR packet for bad password, got %v", errPkt.Payload)
	}

	select {
	case err := <-serveDone:
		if err == nil {
			t.Fatal("expected serve to return an error for failed handshake")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after rejected handshake")
	}
}

func atoiPort(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("bad port string %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}
