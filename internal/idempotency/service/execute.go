package service

import (
	"context"
	"errors"

	"courier/internal/idempotency/models"
)

// TxRunner opens the transaction a guarded operation runs in.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// errConflict rolls back whatever the pre-check wrote before a conflict reply.
var errConflict = errors.New("idempotency conflict")

// Execute runs op at most once per key inside one transaction and returns the
// response to send: op's own result, or a replayed one. op's writes, the
// idempotency record and any outbox events it appends commit together. When
// op fails nothing is recorded and the client may retry with the same key.
func (g *Guard) Execute(
	ctx context.Context,
	runner TxRunner,
	key models.Key,
	requestHash string,
	op func(ctx context.Context) (models.Result, error),
) (models.Result, error) {
	var out models.Result
	err := runner.RunInTx(ctx, func(ctx context.Context) error {
		decision, err := g.PreCheck(ctx, key, requestHash)
		if err != nil {
			return err
		}
		if !decision.Proceed() {
			out = *decision.Replay
			switch decision.Reason {
			case models.ReasonInProgress, models.ReasonKeyReused:
				return errConflict
			default:
				return nil
			}
		}

		result, err := op(ctx)
		if err != nil {
			return err
		}
		if err := g.Complete(ctx, key, result); err != nil {
			return err
		}
		out = result
		return nil
	})
	if errors.Is(err, errConflict) {
		return out, nil
	}
	if err != nil {
		return models.Result{}, err
	}
	return out, nil
}
