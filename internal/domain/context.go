package domain

import "context"

type ctxKey string

const idempotencyKey ctxKey = "idempotency_key"

// WithIdempotencyKey кладёт ключ стадии (runID/STAGE) в контекст вызова
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey, key)
}

// IdempotencyKey возвращает ключ стадии, одинаковый для всех повторов.
// Доставка может по нему отсекать повторную отправку того же ответа.
func IdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKey).(string); ok {
		return key
	}
	return ""
}
