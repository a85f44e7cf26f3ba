package quotaledger

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	ErrQuotaExhausted       = errors.New("quotaledger: no remaining minutes")
	ErrDailyLimitReached    = errors.New("quotaledger: daily limit reached")
	ErrRateLimited          = errors.New("quotaledger: too many job requests this minute")
	ErrActiveJobConflict    = errors.New("quotaledger: active job in progress")
	ErrJobIDConflict        = errors.New("quotaledger: job id already in use")
	ErrNoReservableMinutes  = errors.New("quotaledger: no minutes available for reservation")
	ErrJobNotFound          = errors.New("quotaledger: job not found")
	ErrNoActiveJob          = errors.New("quotaledger: no active job")
	ErrForbidden            = errors.New("quotaledger: forbidden")
	ErrTransactionExhausted = errors.New("quotaledger: transaction retries exhausted")
	ErrTicketEventUnknown   = errors.New("quotaledger: unknown ticket event")
	ErrPaymentNotConfirmed  = errors.New("quotaledger: payment not confirmed")
	ErrUnknownPlan          = errors.New("quotaledger: unknown plan")

	ErrInvalidTitle           = errors.New("quotaledger: invalid title")
	ErrInvalidReportedSeconds = errors.New("quotaledger: reported seconds must be >= 0")

	ErrUnauthorized      = errors.New("quotaledger: authentication required")
	ErrInvalidCredential = errors.New("quotaledger: invalid credential")
	ErrSignatureInvalid  = errors.New("quotaledger: invalid signature")

	// ErrTxConflict is returned by Store.RunTx when a concurrent writer
	// invalidated the transaction's reads. The engine retries on it.
	ErrTxConflict = errors.New("quotaledger: transaction conflict")
)

// LedgerError wraps an error with the operation context it occurred in.
type LedgerError struct {
	Op    string
	UID   string
	JobID string
	Err   error
}

func (e *LedgerError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("quotaledger: op=%s uid=%s job=%s: %v", e.Op, e.UID, e.JobID, e.Err)
	}
	return fmt.Sprintf("quotaledger: op=%s uid=%s: %v", e.Op, e.UID, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

type errorKind struct {
	err    error
	code   string
	status int
}

var errorKinds = []errorKind{
	{ErrQuotaExhausted, "no_remaining_minutes", http.StatusPaymentRequired},
	{ErrDailyLimitReached, "daily_limit_reached", http.StatusTooManyRequests},
	{ErrRateLimited, "rate_limited", http.StatusTooManyRequests},
	{ErrActiveJobConflict, "active_job_in_progress", http.StatusConflict},
	{ErrJobIDConflict, "job_id_conflict", http.StatusConflict},
	{ErrNoReservableMinutes, "no_reservable_minutes", http.StatusPaymentRequired},
	{ErrJobNotFound, "job_not_found", http.StatusNotFound},
	{ErrNoActiveJob, "no_active_job", http.StatusNotFound},
	{ErrForbidden, "forbidden", http.StatusForbidden},
	{ErrTransactionExhausted, "transaction_exhausted", http.StatusServiceUnavailable},
	{ErrTicketEventUnknown, "ticket_event_unknown", http.StatusBadRequest},
	{ErrPaymentNotConfirmed, "payment_not_confirmed", http.StatusBadRequest},
	{ErrUnknownPlan, "invalid_request", http.StatusBadRequest},
	{ErrInvalidTitle, "invalid_request", http.StatusBadRequest},
	{ErrInvalidReportedSeconds, "invalid_request", http.StatusBadRequest},
	{ErrUnauthorized, "auth_required", http.StatusUnauthorized},
	{ErrInvalidCredential, "invalid_auth", http.StatusUnauthorized},
	{ErrSignatureInvalid, "invalid_signature", http.StatusBadRequest},
}

// Code returns the stable reason code for err, or "internal".
func Code(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

// HTTPStatus returns the HTTP status a transport should use for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// IsRetryable returns true if the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionExhausted) || errors.Is(err, ErrRateLimited)
}
