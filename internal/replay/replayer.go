package replay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config holds the service-level transaction-replay parameters (spec §6
// `alter service`).
type Config struct {
	Enabled     bool
	MaxAttempts uint
	Timeout     time.Duration
	MaxLogSize  int
}

// ErrDisarmed means the log exceeded its size cap before the failure;
// replay is not attempted and the caller must surface the original error
// to the client (spec §4.8 step 1).
var ErrDisarmed = errors.New("replay: log disarmed, cannot replay")

// ErrChecksumMismatch means a replayed statement's reply diverged from
// the one recorded during the original execution: the subsystem refuses
// to resume and the session must be terminated (spec §4.8 step 5).
var ErrChecksumMismatch = errors.New("replay: reply checksum diverged, non-deterministic replay")

// Target is the replay destination: a freshly acquired backend connection
// plus whatever transport the caller uses to drive it. SendSessionCommand
// and SendStatement must block until a reply is fully received.
type Target interface {
	// Begin opens a fresh transaction on the new backend before any
	// logged statement is replayed.
	Begin(ctx context.Context) error
	// SendSessionCommand replays one session command (spec §4.8
	// invariant: "session commands committed to the history are
	// replayed... before the transaction statements").
	SendSessionCommand(ctx context.Context, payload []byte) error
	// SendStatement replays one logged transaction statement and
	// returns the checksum of its reply.
	SendStatement(ctx context.Context, payload []byte) (Checksum128, error)
}

// Replayer drives the replay-on-failure procedure against a Target.
type Replayer struct {
	mu  sync.RWMutex
	cfg Config
}

// New creates a Replayer bound to the given service config.
func New(cfg Config) *Replayer {
	return &Replayer{cfg: cfg}
}

// SetConfig replaces the replayer's parameters (spec §6 `alter service`'s
// transaction_replay* settings); it takes effect for the next Replay call.
func (p *Replayer) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Replayer) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Replay replays sessionCmds (the session's full command history) and
// then log's statements onto target, comparing each logged statement's
// reply checksum against the one recorded originally. It retries the
// whole replay attempt up to cfg.MaxAttempts times or until cfg.Timeout
// elapses, per spec §4.8 step 6.
//
// A nil error means replay succeeded and normal routing may resume. One
// of ErrDisarmed or ErrChecksumMismatch means the session must be
// terminated; any other error means the replay attempts were exhausted
// against a backend that kept failing.
func (p *Replayer) Replay(ctx context.Context, sessionCmds [][]byte, log *Log, target Target) error {
	cfg := p.config()
	if !cfg.Enabled {
		return ErrDisarmed
	}
	if log.Disarmed() {
		return ErrDisarmed
	}

	stmts := log.Statements()

	attempt := func() (struct{}, error) {
		if err := target.Begin(ctx); err != nil {
			return struct{}{}, err
		}
		for _, cmd := range sessionCmds {
			if err := target.SendSessionCommand(ctx, cmd); err != nil {
				return struct{}{}, err
			}
		}
		for _, stmt := range stmts {
			got, err := target.SendStatement(ctx, stmt.Payload)
			if err != nil {
				return struct{}{}, err
			}
			if stmt.HasChecksum && got != stmt.Checksum {
				return struct{}{}, backoff.Permanent(ErrChecksumMismatch)
			}
		}
		return struct{}{}, nil
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(backoff.NewExponentialBackOff())}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(cfg.MaxAttempts))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(cfg.Timeout))
	}

	_, err := backoff.Retry(ctx, attempt, opts...)
	return err
}
