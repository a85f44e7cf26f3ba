package quotaledger

import (
	"context"
)

// CreditTickets adds purchased seconds to a user's ticket balance exactly
// once per (UID, ExternalEventID). A replayed event reports
// AlreadyProcessed with the balances recorded the first time.
func (e *Engine) CreditTickets(ctx context.Context, ev PurchaseEvent) (CreditResult, error) {
	if ev.UID == "" || ev.ExternalEventID == "" || ev.Seconds <= 0 {
		return CreditResult{}, &LedgerError{Op: "credit_tickets", UID: ev.UID, Err: ErrTicketEventUnknown}
	}
	now := e.at(ev.Now)

	var res CreditResult
	_, err := e.runTx(ctx, func(ctx context.Context, tx Tx) error {
		res = CreditResult{UID: ev.UID, ExternalEventID: ev.ExternalEventID}

		prev, err := tx.Purchase(ctx, ev.UID, ev.ExternalEventID)
		if err != nil {
			return err
		}
		if prev != nil {
			res.AlreadyProcessed = true
			res.DeltaSeconds = prev.DeltaSeconds
			res.BalanceBefore = prev.BalanceBefore
			res.BalanceAfter = prev.BalanceAfter
			return nil
		}

		raw, err := tx.User(ctx, ev.UID)
		if err != nil {
			return err
		}
		l := NormalizeLedger(raw, ev.UID, now, e.plans).Ledger
		before := l.CreditSeconds
		l.CreditSeconds = before + ev.Seconds
		if err := putLedger(ctx, tx, l, now); err != nil {
			return err
		}

		entry := PurchaseLedgerEntry{
			UID:             ev.UID,
			ExternalEventID: ev.ExternalEventID,
			DeltaSeconds:    ev.Seconds,
			BalanceBefore:   before,
			BalanceAfter:    l.CreditSeconds,
			Source:          ev.Source,
			PackID:          ev.PackID,
			CustomerID:      ev.CustomerID,
			CreatedAt:       now,
		}
		if err := tx.PutPurchase(ctx, entry); err != nil {
			return err
		}

		res.DeltaSeconds = entry.DeltaSeconds
		res.BalanceBefore = entry.BalanceBefore
		res.BalanceAfter = entry.BalanceAfter
		return nil
	})
	if err != nil {
		return CreditResult{}, &LedgerError{Op: "credit_tickets", UID: ev.UID, Err: err}
	}

	e.meter.OnCredit(CreditEvent{
		UID:              res.UID,
		ExternalEventID:  res.ExternalEventID,
		Source:           ev.Source,
		DeltaSeconds:     res.DeltaSeconds,
		BalanceAfter:     res.BalanceAfter,
		AlreadyProcessed: res.AlreadyProcessed,
	})
	return res, nil
}
