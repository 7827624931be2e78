package services

import (
	"context"
	"ephemeral-lab/contract"
	"ephemeral-lab/domain"
	"ephemeral-lab/errors"
	"ephemeral-lab/observability"
	"ephemeral-lab/repositories"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type ILifecycleManager interface {
	CreateEvent(ctx context.Context, cmd CreateEventCommand) (uuid.UUID, error)
	CreateMessage(ctx context.Context, cmd CreateMessageCommand) (uuid.UUID, error)
	DeleteExplicit(ctx context.Context, id uuid.UUID) (bool, error)
	Get(id uuid.UUID) (domain.Record, error)
	ListForParticipant(identity string) ([]domain.Record, error)
	ListAll() ([]domain.Record, error)
	ListMessages() ([]domain.Record, error)
	Recover(ctx context.Context) error
	Start(ctx context.Context) error
	Stop()
}

// CreateEventCommand carries an event to store. A nil TTLSeconds means the
// event never self-destructs.
type CreateEventCommand struct {
	Name       string
	Date       string
	TTLSeconds *float64 `validate:"omitnil,gte=0"`
}

// CreateMessageCommand carries a message from an already authenticated Sender.
type CreateMessageCommand struct {
	Sender     string
	Receiver   string
	Content    string
	TTLSeconds *float64 `validate:"omitnil,gte=0"`
}

// LifecycleManager is the only entry point for creating and deleting records.
// It inserts before it schedules, so an expiry never references an id that
// was not durably stored.
type LifecycleManager struct {
	mu         sync.Mutex
	log        *slog.Logger
	repository repositories.IRecordRepository
	scheduler  contract.IScheduler
	supervisor contract.ISupervisor
	metrics    *observability.Metrics
	validate   *validator.Validate
	cancel     context.CancelFunc
	done       chan struct{}
	stopped    bool
}

func NewLifecycleManager(log *slog.Logger, repository repositories.IRecordRepository,
	scheduler contract.IScheduler, supervisor contract.ISupervisor,
	metrics *observability.Metrics) *LifecycleManager {
	return &LifecycleManager{
		log:        log,
		repository: repository,
		scheduler:  scheduler,
		supervisor: supervisor,
		metrics:    metrics,
		validate:   validator.New(),
	}
}

func (m *LifecycleManager) CreateEvent(ctx context.Context, cmd CreateEventCommand) (uuid.UUID, error) {
	ttl, err := m.selfDestructAfter(cmd, cmd.TTLSeconds)
	if err != nil {
		return uuid.Nil, err
	}
	return m.create(ctx, domain.EventPayload{Name: cmd.Name, Date: cmd.Date}, ttl)
}

func (m *LifecycleManager) CreateMessage(ctx context.Context, cmd CreateMessageCommand) (uuid.UUID, error) {
	ttl, err := m.selfDestructAfter(cmd, cmd.TTLSeconds)
	if err != nil {
		return uuid.Nil, err
	}
	payload := domain.MessagePayload{Sender: cmd.Sender, Receiver: cmd.Receiver, Content: cmd.Content}
	return m.create(ctx, payload, ttl)
}

func (m *LifecycleManager) create(ctx context.Context, payload domain.Payload, ttl *time.Duration) (uuid.UUID, error) {
	record, err := m.repository.Insert(payload, ttl)
	if err != nil {
		return uuid.Nil, err
	}
	m.metrics.IncCreated(record.Kind())

	expiresAt, ok := record.ExpiresAt()
	if !ok {
		m.log.DebugContext(ctx, "Record stored", "id", record.ID, "kind", record.Kind())
		return record.ID, nil
	}
	if err = m.scheduler.Schedule(record.ID, expiresAt); err != nil {
		// The record is durable: Recover arms it at the next start.
		m.metrics.IncArmFailures()
		m.log.WarnContext(ctx, "Self-destruct not armed", "id", record.ID, "error", err)
		return record.ID, nil
	}
	m.log.DebugContext(ctx, "Record stored with self-destruct",
		"id", record.ID, "kind", record.Kind(), "expires_at", expiresAt)
	return record.ID, nil
}

// DeleteExplicit removes id and reports whether this call removed it.
// An absent id is not an error. The pending expiry is cancelled only once the
// delete went through, so a storage failure leaves the timer armed.
func (m *LifecycleManager) DeleteExplicit(ctx context.Context, id uuid.UUID) (bool, error) {
	deleted, err := m.repository.DeleteIfExists(id)
	if err != nil {
		return false, err
	}
	m.scheduler.Cancel(id)
	m.metrics.ObserveDeletion(observability.TriggerExplicit, deleted)
	m.log.DebugContext(ctx, "Explicit delete", "id", id, "deleted", deleted)
	return deleted, nil
}

func (m *LifecycleManager) Get(id uuid.UUID) (domain.Record, error) {
	return m.repository.Get(id)
}

func (m *LifecycleManager) ListForParticipant(identity string) ([]domain.Record, error) {
	return m.repository.QueryByParticipant(identity)
}

// ListAll returns every live event.
func (m *LifecycleManager) ListAll() ([]domain.Record, error) {
	return m.repository.ListAll(domain.KindEvent)
}

func (m *LifecycleManager) ListMessages() ([]domain.Record, error) {
	return m.repository.ListAll(domain.KindMessage)
}

// Recover re-arms every expiry found in storage. It must run once, before
// the manager serves any request.
func (m *LifecycleManager) Recover(ctx context.Context) error {
	pending, err := m.repository.ListExpiring()
	if err != nil {
		return err
	}
	m.log.InfoContext(ctx, "Recovering expiries", "count", len(pending))
	return m.scheduler.Recover(pending)
}

// Start runs the expiry workers under supervision and blocks until Stop is
// called or ctx is canceled.
func (m *LifecycleManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.ErrSchedulerStopped
	}
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle manager already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.supervisor.Add(m.scheduler.Workers()...)
	m.mu.Unlock()

	m.log.InfoContext(ctx, "Starting expiry workers")
	m.supervisor.Run(runCtx)
	close(done)
	return nil
}

// Stop waits for the expiry workers to return, then cancels every pending
// task. Nothing touches the repository once Stop returned.
func (m *LifecycleManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	m.log.Info("Requesting lifecycle manager shutdown")
	if cancel != nil {
		cancel()
		m.supervisor.Stop()
		<-done
	}
	m.scheduler.Close()
}

func (m *LifecycleManager) selfDestructAfter(cmd any, seconds *float64) (*time.Duration, error) {
	if err := m.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v seconds: %w", errors.ErrInvalidDuration, lo.FromPtr(seconds), err)
	}
	if seconds == nil {
		return nil, nil
	}
	return domain.TTLFromSeconds(*seconds)
}
