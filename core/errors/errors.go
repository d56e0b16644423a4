package errors

import stderrors "errors"

// Failure taxonomy shared by the registry, escrow instances and the locker.
// Callers wrap these with context via fmt.Errorf("%w: ...") and match them
// with errors.Is.
var (
	ErrInvalidArgument      = stderrors.New("escrow: invalid argument")
	ErrInvalidConfig        = stderrors.New("escrow: invalid config")
	ErrInvalidState         = stderrors.New("escrow: invalid state")
	ErrUnauthorized         = stderrors.New("escrow: unauthorized")
	ErrIndex                = stderrors.New("escrow: index out of range")
	ErrNotYetDue            = stderrors.New("escrow: milestone not yet due")
	ErrWindowClosed         = stderrors.New("escrow: dispute window closed")
	ErrStillLocked          = stderrors.New("escrow: lock still vesting")
	ErrWindowPassed         = stderrors.New("escrow: reclaim window passed")
	ErrNoDispute            = stderrors.New("escrow: no active dispute")
	ErrPolicyNotSet         = stderrors.New("escrow: fee or lock policy not set")
	ErrPaymentMismatch      = stderrors.New("escrow: creation payment mismatch")
	ErrHasPendingMilestones = stderrors.New("escrow: milestones still pending")
	ErrTransferFailed       = stderrors.New("escrow: token transfer failed")
	ErrInstanceDestroyed    = stderrors.New("escrow: instance destroyed")
	ErrReentrant            = stderrors.New("escrow: reentrant call")
)

// Kind returns the short, stable name of the sentinel wrapped by err. It is
// used for metric labels and API error codes. Unknown errors map to "internal".
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, entry := range kinds {
		if stderrors.Is(err, entry.err) {
			return entry.name
		}
	}
	return "internal"
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidArgument, "invalid_argument"},
	{ErrInvalidConfig, "invalid_config"},
	{ErrInvalidState, "invalid_state"},
	{ErrUnauthorized, "unauthorized"},
	{ErrIndex, "index_error"},
	{ErrNotYetDue, "not_yet_due"},
	{ErrWindowClosed, "window_closed"},
	{ErrStillLocked, "still_locked"},
	{ErrWindowPassed, "window_passed"},
	{ErrNoDispute, "no_dispute"},
	{ErrPolicyNotSet, "policy_not_set"},
	{ErrPaymentMismatch, "payment_mismatch"},
	{ErrHasPendingMilestones, "has_pending_milestones"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrInstanceDestroyed, "instance_destroyed"},
	{ErrReentrant, "reentrant"},
}
