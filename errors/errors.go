package errors

import "fmt"

var (
	ErrWorkerPanic      = fmt.Errorf("worker panic")
	ErrInvalidDuration  = fmt.Errorf("invalid self-destruct duration")
	ErrNotFound         = fmt.Errorf("record not found")
	ErrStorage          = fmt.Errorf("storage failure")
	ErrCorruptRecord    = fmt.Errorf("corrupt record")
	ErrUnknownKind      = fmt.Errorf("unknown record kind")
	ErrSchedulerFault   = fmt.Errorf("scheduled deletion failed")
	ErrSchedulerStopped = fmt.Errorf("scheduler stopped")
	ErrAlreadyRecovered = fmt.Errorf("expiries already recovered")
)
