package proxy

import (
	"context"
	"fmt"

	"github.com/dbbouncer/dbbouncer/internal/backend"
	"github.com/dbbouncer/dbbouncer/internal/mysql"
	"github.com/dbbouncer/dbbouncer/internal/replay"
)

// backendReplayTarget adapts a freshly acquired *backend.Backend to
// replay.Target, driving it with the same synchronous write-then-drain
// pattern the main command loop uses against any backend (spec §4.8). It
// is used both for optimistic_trx slave-to-master migration and for
// recovering a session whose master connection failed mid-transaction.
type backendReplayTarget struct {
	b   *backend.Backend
	seq byte
}

func newBackendReplayTarget(b *backend.Backend) *backendReplayTarget {
	return &backendReplayTarget{b: b}
}

func (t *backendReplayTarget) nextSeq() byte {
	seq := t.seq
	t.seq++
	return seq
}

// Begin opens a fresh transaction on the replay target before any logged
// statement is sent.
func (t *backendReplayTarget) Begin(ctx context.Context) error {
	_, err := t.roundTrip(mysql.ComQuery, []byte("BEGIN"))
	return err
}

// SendSessionCommand replays one recorded session command (a COM_QUERY
// SET/USE statement, or similar) and discards its reply payload.
func (t *backendReplayTarget) SendSessionCommand(ctx context.Context, payload []byte) error {
	_, err := t.roundTrip(payload[0], payload[1:])
	return err
}

// SendStatement replays one logged transaction statement and returns the
// checksum of its final reply, for comparison against the checksum
// recorded during the statement's original execution.
func (t *backendReplayTarget) SendStatement(ctx context.Context, payload []byte) (replay.Checksum128, error) {
	reply, err := t.roundTrip(payload[0], payload[1:])
	if err != nil {
		return replay.Checksum128{}, err
	}
	return replay.Checksum(reply), nil
}

// roundTrip sends one command to the backend and drains replies until the
// logical reply is complete, returning its final payload.
func (t *backendReplayTarget) roundTrip(command byte, rest []byte) ([]byte, error) {
	t.b.Enqueue(backend.ExpectClientBound, command)

	full := append([]byte{command}, rest...)
	if err := mysql.WritePacket(t.b.Conn(), full, t.nextSeq()); err != nil {
		t.b.MarkFatal(err)
		return nil, fmt.Errorf("proxy: replay write: %w", err)
	}

	for {
		pkt, err := mysql.ReadPacket(t.b.Conn())
		if err != nil {
			t.b.MarkFatal(err)
			return nil, fmt.Errorf("proxy: replay read: %w", err)
		}
		reply, err := t.b.Advance(pkt.Payload)
		if err != nil {
			return nil, err
		}
		if reply.Final {
			if len(pkt.Payload) > 0 && pkt.Payload[0] == mysql.ErrPacket {
				return nil, fmt.Errorf("proxy: replay statement failed: %s", mysql.ErrorMessage(pkt.Payload))
			}
			return reply.Payload, nil
		}
	}
}
