package backend

import (
	"net"
	"testing"

	"github.com/dbbouncer/dbbouncer/internal/mysql"
	"github.com/dbbouncer/dbbouncer/internal/server"
)

func newTestBackend(t *testing.T) (*Backend, net.Conn) {
	t.Helper()
	srv := server.New("s1", "127.0.0.1", 3306)
	client, _ := net.Pipe()
	return New(srv, client, 0), client
}

func TestEnqueueAndAdvanceOKReply(t *testing.T) {
	b, conn := newTestBackend(t)
	defer conn.Close()

	b.Enqueue(ExpectClientBound, mysql.ComQuery)
	if b.QueueDepth() != 1 {
		t.Fatalf("expected queue depth 1, got %d", b.QueueDepth())
	}

	okPkt := mysql.BuildOKPacket(mysql.StatusAutocommit)
	reply, err := b.Advance(okPkt)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !reply.Final {
		t.Fatalf("expected OK reply to be final")
	}
	if reply.ResponseType != ExpectClientBound {
		t.Fatalf("expected ExpectClientBound, got %v", reply.ResponseType)
	}
	if b.QueueDepth() != 0 {
		t.Fatalf("expected queue drained, got depth %d", b.QueueDepth())
	}
}

func TestAdvanceWithEmptyQueueIsProtocolError(t *testing.T) {
	b, conn := newTestBackend(t)
	defer conn.Close()

	_, err := b.Advance(mysql.BuildOKPacket(0))
	if err != ErrBackendProtocolError {
		t.Fatalf("expected ErrBackendProtocolError, got %v", err)
	}
}

func TestAdvanceErrPacketIsAlwaysFinal(t *testing.T) {
	b, conn := newTestBackend(t)
	defer conn.Close()

	b.Enqueue(ExpectClientBound, mysql.ComQuery)
	errPkt := mysql.BuildErrPacket(1046, "3D000", "no database selected")
	reply, err := b.Advance(errPkt)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !reply.Final {
		t.Fatalf("expected ERR reply to be final")
	}
}

func TestResultSetMultiPacketSequence(t *testing.T) {
	b, conn := newTestBackend(t)
	defer conn.Close()

	b.Enqueue(ExpectClientBound, mysql.ComQuery)

	// column count = 1
	if reply, _ := b.Advance([]byte{1}); reply.Final {
		t.Fatalf("column count packet should not be final")
	}
	// one column definition packet (opaque content for this test)
	if reply, _ := b.Advance([]byte{0xAA, 0xBB}); reply.Final {
		t.Fatalf("column definition packet should not be final")
	}
	// EOF after column defs
	if reply, _ := b.Advance([]byte{mysql.EOFPacket, 0, 0, 0, 0}); reply.Final {
		t.Fatalf("field EOF should not be final")
	}
	// one data row
	if reply, _ := b.Advance([]byte{0x03, 'a', 'b', 'c'}); reply.Final {
		t.Fatalf("data row should not be final")
	}
	// final EOF, no more results
	reply, err := b.Advance([]byte{mysql.EOFPacket, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !reply.Final {
		t.Fatalf("expected final EOF to complete the resultset")
	}
	if b.QueueDepth() != 0 {
		t.Fatalf("expected queue drained after resultset completion")
	}
}

func TestHeadBlocksPipeliningOnlyForClientBound(t *testing.T) {
	b, conn := newTestBackend(t)
	defer conn.Close()

	b.Enqueue(NoResponse, mysql.ComQuit)
	if b.HeadBlocksPipelining() {
		t.Fatalf("NoResponse head should not block pipelining")
	}
}

func TestMarkFatalTransitionsState(t *testing.T) {
	b, conn := newTestBackend(t)
	defer conn.Close()

	if b.State() != InUse {
		t.Fatalf("expected InUse after creation, got %v", b.State())
	}
	b.MarkFatal(errFake)
	if b.State() != FatalFailure {
		t.Fatalf("expected FatalFailure, got %v", b.State())
	}
	if b.LastError() != errFake {
		t.Fatalf("expected stored error, got %v", b.LastError())
	}
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake backend error" }
