package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/tramite-payments/internal/payment"
)

var openStates = []string{string(payment.StatePending), string(payment.StateProxyCalled)}

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

var _ paymentpkg.Ledger = (*PaymentRepository)(nil)

func (r *PaymentRepository) RecordAttempt(ctx context.Context, a payment.NewAttempt) (int64, bool, error) {
	row := &payment.PaymentAttempt{
		Reference:            a.Reference,
		Amount:               a.Amount,
		State:                payment.StatePending,
		PaymentURL:           a.PaymentURL,
		EncryptedRequestBlob: a.EncryptedRequestBlob,
	}
	if a.Tramite != "" {
		row.Tramite = &a.Tramite
	}
	if a.PayerUserID != "" {
		row.PayerUserID = &a.PayerUserID
	}
	if a.IdempotencyKey != "" && a.IdempotencyKey != a.Reference {
		row.IdempotencyKey = &a.IdempotencyKey
	}

	// either unique key (reference or idempotency key) makes the insert a no-op
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return 0, false, fmt.Errorf("insert payment attempt: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return row.ID, true, nil
	}

	key := a.IdempotencyKey
	if key == "" {
		key = a.Reference
	}
	var existing payment.PaymentAttempt
	err := r.db.WithContext(ctx).Select("id").
		Where("reference = ? OR idempotency_key = ?", a.Reference, key).
		Order("id ASC").
		First(&existing).Error
	if err != nil {
		return 0, false, fmt.Errorf("load existing payment attempt: %w", err)
	}
	return existing.ID, false, nil
}

func (r *PaymentRepository) AdvanceToProxyCalled(ctx context.Context, reference string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&payment.PaymentAttempt{}).
		Where("reference = ? AND state = ?", reference, string(payment.StatePending)).
		Updates(map[string]interface{}{
			"state":      string(payment.StateProxyCalled),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("advance payment attempt: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	if _, err := r.Get(ctx, reference); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PaymentRepository) MarkTerminal(ctx context.Context, reference string, outcome payment.State, gatewayPaymentID, failureReason *string) (*payment.PaymentAttempt, bool, error) {
	if !outcome.IsTerminal() {
		return nil, false, fmt.Errorf("mark terminal: %q is not a terminal state", outcome)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"state":        string(outcome),
		"updated_at":   now,
		"confirmed_at": now,
	}
	if gatewayPaymentID != nil && *gatewayPaymentID != "" {
		updates["gateway_payment_id"] = *gatewayPaymentID
	}
	if failureReason != nil && *failureReason != "" {
		updates["failure_reason"] = *failureReason
	}

	res := r.db.WithContext(ctx).
		Model(&payment.PaymentAttempt{}).
		Where("reference = ? AND state IN ?", reference, openStates).
		Updates(updates)
	if res.Error != nil {
		return nil, false, fmt.Errorf("mark payment attempt terminal: %w", res.Error)
	}

	current, err := r.Get(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	if res.RowsAffected == 1 {
		return current, true, nil
	}

	if current.State == outcome {
		return current, false, nil
	}
	return current, false, errors.ErrStateConflict.WithDetails(map[string]string{
		"reference": reference,
		"recorded":  string(current.State),
		"claimed":   string(outcome),
	})
}

func (r *PaymentRepository) Get(ctx context.Context, reference string) (*payment.PaymentAttempt, error) {
	var p payment.PaymentAttempt
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// GetByIdempotencyKey finds the attempt a caller-supplied reference started, whether it
// was stored as the reference itself or as the idempotency key next to the gateway's.
func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*payment.PaymentAttempt, error) {
	var p payment.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("reference = ? OR idempotency_key = ?", key, key).
		Order("id ASC").
		First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *PaymentRepository) GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*payment.PaymentAttempt, error) {
	var p payment.PaymentAttempt
	err := r.db.WithContext(ctx).Where("gateway_payment_id = ?", gatewayPaymentID).First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *PaymentRepository) ListRecent(ctx context.Context, limit int) ([]*payment.PaymentAttempt, error) {
	var payments []*payment.PaymentAttempt
	err := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit).Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) CacheReceipt(ctx context.Context, reference string, receipt []byte) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&payment.PaymentAttempt{}).
		Where("reference = ?", reference).
		Updates(map[string]interface{}{
			"receipt_cache":     datatypes.JSON(receipt),
			"receipt_cached_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("cache receipt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrPaymentNotFound
	}
	return nil
}

func (r *PaymentRepository) FlagForReconciliation(ctx context.Context, reference string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&payment.PaymentAttempt{}).
		Where("reference = ? AND reconciliation_flagged_at IS NULL AND state IN ?", reference, openStates).
		Update("reconciliation_flagged_at", time.Now().UTC())
	if res.Error != nil {
		return false, fmt.Errorf("flag payment attempt: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func translate(err error) error {
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errors.ErrPaymentNotFound
	}
	return err
}
