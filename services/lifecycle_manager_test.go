package services

import (
	"context"
	"ephemeral-lab/domain"
	"ephemeral-lab/errors"
	"ephemeral-lab/mocks"
	"ephemeral-lab/observability"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newMockedManager(t *testing.T) (*LifecycleManager, *mocks.MockIRecordRepository, *mocks.MockIScheduler) {
	t.Helper()
	return newMockedManagerOn(t, prometheus.NewRegistry())
}

func newMockedManagerOn(t *testing.T, registry prometheus.Registerer) (*LifecycleManager, *mocks.MockIRecordRepository, *mocks.MockIScheduler) {
	t.Helper()
	ctrl := gomock.NewController(t)
	repository := mocks.NewMockIRecordRepository(ctrl)
	scheduler := mocks.NewMockIScheduler(ctrl)
	supervisor := mocks.NewMockISupervisor(ctrl)
	metrics := observability.NewMetrics(registry, "test")
	return NewLifecycleManager(slog.Default(), repository, scheduler, supervisor, metrics), repository, scheduler
}

func TestLifecycleManager_CreateMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("should schedule the self-destruct once the insert succeeded", func(t *testing.T) {
		req := require.New(t)
		manager, repository, scheduler := newMockedManager(t)
		payload := domain.MessagePayload{Sender: "alice", Receiver: "bob", Content: "burn after reading"}
		stored := domain.Record{
			ID:                uuid.New(),
			Payload:           payload,
			CreatedAt:         time.Now().UTC(),
			SelfDestructAfter: lo.ToPtr(1500 * time.Millisecond),
		}
		expiresAt, _ := stored.ExpiresAt()

		gomock.InOrder(
			repository.EXPECT().Insert(payload, lo.ToPtr(1500*time.Millisecond)).Return(stored, nil),
			scheduler.EXPECT().Schedule(stored.ID, expiresAt).Return(nil),
		)

		id, err := manager.CreateMessage(ctx, CreateMessageCommand{
			Sender: "alice", Receiver: "bob", Content: "burn after reading", TTLSeconds: lo.ToPtr(1.5),
		})
		req.NoError(err)
		req.Equal(stored.ID, id)
	})

	t.Run("should not schedule a record without ttl", func(t *testing.T) {
		req := require.New(t)
		manager, repository, scheduler := newMockedManager(t)
		stored := domain.Record{ID: uuid.New(), Payload: domain.MessagePayload{Sender: "alice"}, CreatedAt: time.Now()}

		repository.EXPECT().Insert(gomock.Any(), (*time.Duration)(nil)).Return(stored, nil)
		scheduler.EXPECT().Schedule(gomock.Any(), gomock.Any()).Times(0)

		id, err := manager.CreateMessage(ctx, CreateMessageCommand{Sender: "alice", Receiver: "bob"})
		req.NoError(err)
		req.Equal(stored.ID, id)
	})

	t.Run("should never schedule when the insert failed", func(t *testing.T) {
		req := require.New(t)
		manager, repository, scheduler := newMockedManager(t)

		repository.EXPECT().Insert(gomock.Any(), gomock.Any()).
			Return(domain.Record{}, fmt.Errorf("%w: disk full", errors.ErrStorage))
		scheduler.EXPECT().Schedule(gomock.Any(), gomock.Any()).Times(0)

		id, err := manager.CreateMessage(ctx, CreateMessageCommand{Sender: "alice", TTLSeconds: lo.ToPtr(1.0)})
		req.ErrorIs(err, errors.ErrStorage)
		req.Equal(uuid.Nil, id)
	})

	t.Run("should keep the record when the scheduler is stopped", func(t *testing.T) {
		req := require.New(t)
		registry := prometheus.NewRegistry()
		manager, repository, scheduler := newMockedManagerOn(t, registry)
		stored := domain.Record{
			ID: uuid.New(), Payload: domain.MessagePayload{}, CreatedAt: time.Now(),
			SelfDestructAfter: lo.ToPtr(time.Second),
		}

		repository.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(stored, nil)
		scheduler.EXPECT().Schedule(stored.ID, gomock.Any()).Return(errors.ErrSchedulerStopped)

		id, err := manager.CreateMessage(ctx, CreateMessageCommand{TTLSeconds: lo.ToPtr(1.0)})
		req.NoError(err)
		req.Equal(stored.ID, id)
		req.NoError(testutil.GatherAndCompare(registry, strings.NewReader(`
# HELP test_expiry_arm_failures_total Stored records whose self-destruct could not be armed until the next recovery
# TYPE test_expiry_arm_failures_total counter
test_expiry_arm_failures_total 1
`), "test_expiry_arm_failures_total"))
	})
}

func TestLifecycleManager_InvalidDuration(t *testing.T) {
	ctx := context.Background()
	for _, seconds := range []float64{-1, math.NaN(), math.Inf(1)} {
		t.Run(fmt.Sprintf("%v is rejected before any storage call", seconds), func(t *testing.T) {
			req := require.New(t)
			manager, repository, scheduler := newMockedManager(t)
			repository.EXPECT().Insert(gomock.Any(), gomock.Any()).Times(0)
			scheduler.EXPECT().Schedule(gomock.Any(), gomock.Any()).Times(0)

			_, err := manager.CreateEvent(ctx, CreateEventCommand{Name: "party", TTLSeconds: lo.ToPtr(seconds)})
			req.ErrorIs(err, errors.ErrInvalidDuration)
			_, err = manager.CreateMessage(ctx, CreateMessageCommand{Sender: "alice", TTLSeconds: lo.ToPtr(seconds)})
			req.ErrorIs(err, errors.ErrInvalidDuration)
		})
	}
}

func TestLifecycleManager_DeleteExplicit(t *testing.T) {
	ctx := context.Background()

	t.Run("should cancel the pending expiry after deleting", func(t *testing.T) {
		req := require.New(t)
		manager, repository, scheduler := newMockedManager(t)
		id := uuid.New()

		gomock.InOrder(
			repository.EXPECT().DeleteIfExists(id).Return(true, nil),
			scheduler.EXPECT().Cancel(id).Return(true),
		)

		deleted, err := manager.DeleteExplicit(ctx, id)
		req.NoError(err)
		req.True(deleted)
	})

	t.Run("should report an absent record as a no-op", func(t *testing.T) {
		req := require.New(t)
		manager, repository, scheduler := newMockedManager(t)
		id := uuid.New()

		repository.EXPECT().DeleteIfExists(id).Return(false, nil)
		scheduler.EXPECT().Cancel(id).Return(false)

		deleted, err := manager.DeleteExplicit(ctx, id)
		req.NoError(err)
		req.False(deleted)
	})

	t.Run("should leave the expiry armed when storage fails", func(t *testing.T) {
		req := require.New(t)
		manager, repository, scheduler := newMockedManager(t)
		id := uuid.New()

		repository.EXPECT().DeleteIfExists(id).Return(false, fmt.Errorf("%w: io", errors.ErrStorage))
		scheduler.EXPECT().Cancel(gomock.Any()).Times(0)

		deleted, err := manager.DeleteExplicit(ctx, id)
		req.ErrorIs(err, errors.ErrStorage)
		req.False(deleted)
	})
}

func TestLifecycleManager_Recover(t *testing.T) {
	req := require.New(t)
	manager, repository, scheduler := newMockedManager(t)
	pending := []domain.Expiry{{ID: uuid.New(), ExpiresAt: time.Now().Add(-time.Minute)}}

	repository.EXPECT().ListExpiring().Return(pending, nil)
	scheduler.EXPECT().Recover(pending).Return(nil)
	req.NoError(manager.Recover(context.Background()))
}

func TestLifecycleManager_Recover_StorageFailure(t *testing.T) {
	req := require.New(t)
	manager, repository, scheduler := newMockedManager(t)

	repository.EXPECT().ListExpiring().Return(nil, errors.ErrStorage)
	scheduler.EXPECT().Recover(gomock.Any()).Times(0)
	req.ErrorIs(manager.Recover(context.Background()), errors.ErrStorage)
}

func TestLifecycleManager_Reads_Pass_Through(t *testing.T) {
	req := require.New(t)
	manager, repository, _ := newMockedManager(t)
	events := []domain.Record{{ID: uuid.New(), Payload: domain.EventPayload{Name: "party"}}}
	messages := []domain.Record{{ID: uuid.New(), Payload: domain.MessagePayload{Sender: "alice"}}}

	repository.EXPECT().ListAll(domain.KindEvent).Return(events, nil)
	repository.EXPECT().ListAll(domain.KindMessage).Return(messages, nil)
	repository.EXPECT().QueryByParticipant("alice").Return(messages, nil)
	repository.EXPECT().Get(events[0].ID).Return(events[0], nil)

	got, err := manager.ListAll()
	req.NoError(err)
	req.Equal(events, got)
	got, err = manager.ListMessages()
	req.NoError(err)
	req.Equal(messages, got)
	got, err = manager.ListForParticipant("alice")
	req.NoError(err)
	req.Equal(messages, got)
	record, err := manager.Get(events[0].ID)
	req.NoError(err)
	req.Equal(events[0], record)
}
