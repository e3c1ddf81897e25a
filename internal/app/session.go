package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/domain"
	"becoin/internal/engine"
	"becoin/internal/events"
	"becoin/internal/logger"
	"becoin/internal/repo"
	"becoin/internal/telemetry"
)

// SessionOptions carries the collaborators of a Session. Every field is optional.
type SessionOptions struct {
	Log     *slog.Logger
	Metrics *telemetry.Metrics
	// Actor is recorded on every event.
	Actor string
	Now   func() time.Time
}

// Session serializes access to one engine and, when it has a repo, archives
// every accepted operation.
type Session struct {
	RunID string

	repo    *repo.Repo
	events  events.Writer
	log     *slog.Logger
	metrics *telemetry.Metrics
	actor   string
	now     func() time.Time

	mu      sync.Mutex
	eng     *engine.Engine
	version uint64
	// impactStored is the number of impact records already in the archive.
	impactStored int
}

// NewSession wraps an engine without persistence.
func NewSession(eng *engine.Engine, opts SessionOptions) *Session {
	return newSession(eng, "", nil, opts)
}

func newSession(eng *engine.Engine, runID string, r *repo.Repo, opts SessionOptions) *Session {
	s := &Session{
		RunID:   runID,
		repo:    r,
		log:     opts.Log,
		metrics: opts.Metrics,
		actor:   opts.Actor,
		now:     opts.Now,
		eng:     eng,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if s.actor == "" {
		s.actor = "local-user"
	}
	if r != nil {
		s.events = events.Writer{DB: r.DB, Now: opts.Now}
	}
	if runID != "" {
		s.log = s.log.With("run", runID)
	}
	s.impactStored = eng.ImpactLen()
	return s
}

// Snapshot returns a detached copy of the economy.
func (s *Session) Snapshot() domain.EconomySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stamp(s.eng.Snapshot())
}

// Version increases with every accepted operation.
func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// VersionedSnapshot returns a snapshot together with the version it reflects.
func (s *Session) VersionedSnapshot() (domain.EconomySnapshot, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stamp(s.eng.Snapshot()), s.version
}

func (s *Session) stamp(snap domain.EconomySnapshot) domain.EconomySnapshot {
	snap.GeneratedAt = s.now().UTC().Truncate(time.Second)
	return snap
}

// TransactionsSince returns the ledger lines after the first n.
func (s *Session) TransactionsSince(n int) []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng.TransactionsSince(n)
}

// Verify checks the ledger invariants of the current state.
func (s *Session) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return engine.Verify(s.eng.Snapshot())
}

func (s *Session) AddProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	var out domain.Project
	err := s.apply(ctx, op{name: "add", event: events.ProjectAdded, kind: "project", id: p.ID}, func() (events.EventPayload, error) {
		var err error
		out, err = s.eng.AddProject(p)
		return events.EventPayload{"name": out.Name, "cost": out.Cost.String(), "value": out.Value.String()}, err
	})
	return out, err
}

func (s *Session) StartProject(ctx context.Context, id string) (domain.Project, error) {
	var out domain.Project
	err := s.apply(ctx, op{name: "start", event: events.ProjectStarted, kind: "project", id: id}, func() (events.EventPayload, error) {
		var err error
		out, err = s.eng.StartProject(id)
		return events.EventPayload{"cost": out.Cost.String(), "team": out.Team}, err
	})
	return out, err
}

func (s *Session) CompleteProject(ctx context.Context, id string) (domain.ImpactRecord, error) {
	var out domain.ImpactRecord
	err := s.apply(ctx, op{name: "complete", event: events.ProjectCompleted, kind: "project", id: id}, func() (events.EventPayload, error) {
		var err error
		out, err = s.eng.CompleteProject(id)
		return events.EventPayload{"value": out.Value.String(), "roi": out.ROI.String(), "impact_score": out.ImpactScore}, err
	})
	return out, err
}

func (s *Session) PauseProject(ctx context.Context, id string) (domain.Project, error) {
	var out domain.Project
	err := s.apply(ctx, op{name: "pause", event: events.ProjectPaused, kind: "project", id: id}, func() (events.EventPayload, error) {
		var err error
		out, err = s.eng.PauseProject(id)
		return nil, err
	})
	return out, err
}

func (s *Session) ResumeProject(ctx context.Context, id string) (domain.Project, error) {
	var out domain.Project
	err := s.apply(ctx, op{name: "resume", event: events.ProjectResumed, kind: "project", id: id}, func() (events.EventPayload, error) {
		var err error
		out, err = s.eng.ResumeProject(id)
		return nil, err
	})
	return out, err
}

func (s *Session) PayAgent(ctx context.Context, id string, amount decimal.Decimal, reason string) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.apply(ctx, op{name: "pay", event: events.AgentPaid, kind: "agent", id: id}, func() (events.EventPayload, error) {
		var err error
		out, err = s.eng.PayAgent(id, amount, reason)
		return events.EventPayload{"amount": amount.String(), "reason": out.Description}, err
	})
	return out, err
}

// Advance is the outcome of moving the clock: the burn line, if any, and
// the clock and balance right after it.
type Advance struct {
	Tx      domain.Transaction
	Clock   time.Time
	Balance decimal.Decimal
}

func (s *Session) AdvanceTime(ctx context.Context, hours int) (domain.Transaction, error) {
	adv, err := s.Advance(ctx, hours)
	return adv.Tx, err
}

// Advance moves the clock and reports the resulting clock and balance as of
// this operation, unaffected by later callers.
func (s *Session) Advance(ctx context.Context, hours int) (Advance, error) {
	var out Advance
	err := s.apply(ctx, op{name: "advance", event: events.ClockAdvanced, kind: "clock"}, func() (events.EventPayload, error) {
		tx, err := s.eng.AdvanceTime(hours)
		if err != nil {
			return nil, err
		}
		out = Advance{Tx: tx, Clock: s.eng.Clock(), Balance: s.eng.Balance()}
		payload := events.EventPayload{"hours": hours, "burn": tx.Amount.Neg().String()}
		if !tx.Shortfall.IsZero() {
			payload["shortfall"] = tx.Shortfall.String()
		}
		return payload, nil
	})
	if err != nil {
		return Advance{}, err
	}
	return out, nil
}

type op struct {
	name  string
	event string
	kind  string
	id    string
}

// apply runs fn under the lock. When the session archives, the new ledger
// lines, impact records, event and snapshot are written in one SQL
// transaction; if that fails the engine is rolled back to its prior state.
func (s *Session) apply(ctx context.Context, o op, fn func() (events.EventPayload, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledgerBefore, impactBefore := s.eng.LedgerLen(), s.eng.ImpactLen()
	var prev domain.EconomySnapshot
	if s.repo != nil {
		prev = s.eng.Snapshot()
	}
	payload, err := fn()
	if err != nil {
		s.reject(ctx, o, err)
		return err
	}
	posted := s.eng.LedgerLen() - ledgerBefore
	if s.repo != nil {
		if perr := s.persist(ctx, o, payload, ledgerBefore, impactBefore); perr != nil {
			restored, rerr := engine.Restore(prev, s.eng.Now)
			if rerr != nil {
				return fmt.Errorf("persist %s: %w (rollback failed: %v)", o.name, perr, rerr)
			}
			s.eng = restored
			s.log.ErrorContext(ctx, "operation not archived", "op", o.name, "id", o.id, "err", perr)
			return fmt.Errorf("persist %s: %w", o.name, perr)
		}
	}
	s.version++
	balance, _ := s.eng.Balance().Float64()
	s.metrics.Applied(ctx, o.name, posted, balance)
	s.log.DebugContext(ctx, "operation applied", "op", o.name, "id", o.id, "posted", posted, "balance", s.eng.Balance().String(), "request_id", logger.RequestID(ctx))
	return nil
}

func (s *Session) persist(ctx context.Context, o op, payload events.EventPayload, ledgerBefore, impactBefore int) error {
	tx, err := s.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.writeTx(ctx, tx, o, payload, ledgerBefore, impactBefore); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.impactStored = s.eng.ImpactLen()
	return nil
}

func (s *Session) writeTx(ctx context.Context, tx *sql.Tx, o op, payload events.EventPayload, ledgerBefore, impactBefore int) error {
	if err := s.repo.InsertTransactionsTx(ctx, tx, s.RunID, s.eng.TransactionsSince(ledgerBefore)); err != nil {
		return err
	}
	if err := s.repo.InsertImpactTx(ctx, tx, s.RunID, s.impactStored, s.eng.ImpactSince(impactBefore)); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["clock"] = s.eng.Clock().Format(time.RFC3339)
	payload["balance"] = s.eng.Balance().String()
	if err := s.events.Append(ctx, tx, o.event, s.RunID, o.kind, o.id, s.actor, payload); err != nil {
		return err
	}
	snap := s.stamp(s.eng.Snapshot())
	if _, err := s.repo.SaveSnapshotTx(ctx, tx, s.RunID, snap); err != nil {
		return err
	}
	return s.repo.TouchRunTx(ctx, tx, s.RunID, snap.GeneratedAt)
}

func (s *Session) reject(ctx context.Context, o op, cause error) {
	code := engine.Code(cause)
	s.metrics.Rejected(ctx, o.name, code)
	s.log.WarnContext(ctx, "operation rejected", "op", o.name, "id", o.id, "code", code, "err", cause, "request_id", logger.RequestID(ctx))
	if s.repo == nil {
		return
	}
	payload := events.EventPayload{"op": o.name, "code": code, "error": cause.Error()}
	if err := s.events.AppendNow(ctx, events.OperationRejected, s.RunID, o.kind, o.id, s.actor, payload); err != nil {
		s.log.ErrorContext(ctx, "record rejection", "op", o.name, "err", err)
	}
}
