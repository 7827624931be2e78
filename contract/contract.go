//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"ephemeral-lab/domain"
	"reflect"
	"time"

	"github.com/google/uuid"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Expirer is the deletion path a fired expiry goes through.
// It reports whether a record was actually removed.
type Expirer interface {
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
}

type IScheduler interface {
	Schedule(id uuid.UUID, expiresAt time.Time) error
	Cancel(id uuid.UUID) bool
	Recover(pending []domain.Expiry) error
	Workers() []Worker
	Pending() int
	Close()
}
