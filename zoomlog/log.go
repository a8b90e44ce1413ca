// Package zoomlog carries a structured logger through context.Context, in
// the style of the teacher's utils/log package, re-scoped to this store's
// own fields (class, id, path, attempt) instead of raft-specific ones.
package zoomlog

import (
	"context"

	"go.uber.org/zap"
)

type key int

const (
	fieldsKey key = iota
	loggerKey
)

// WithContext enriches logger with any fields previously attached to ctx
// via WithFields.
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	return logger.With(Fields(ctx)...)
}

// WithFields returns a context carrying additional structured fields, to
// be picked up by a later call to WithContext.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, fieldsKey, append(Fields(ctx), fields...))
}

// Fields extracts the structured fields previously attached to ctx.
func Fields(ctx context.Context) []zap.Field {
	raw := ctx.Value(fieldsKey)

	if raw == nil {
		return []zap.Field{}
	}

	fields, ok := raw.([]zap.Field)

	if !ok {
		return []zap.Field{}
	}

	return fields
}

// WithLogger attaches a logger to ctx for later retrieval with Logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger retrieves the logger attached to ctx by WithLogger, or nil.
func Logger(ctx context.Context) *zap.Logger {
	raw := ctx.Value(loggerKey)

	if raw == nil {
		return nil
	}

	logger, ok := raw.(*zap.Logger)

	if !ok {
		return nil
	}

	return WithContext(ctx, logger)
}

// Class returns a structured field naming a registered class.
func Class(name string) zap.Field { return zap.String("class", name) }

// ID returns a structured field naming an object id.
func ID(id string) zap.Field { return zap.String("id", id) }

// Path returns a structured field naming a backend path.
func Path(path string) zap.Field { return zap.String("path", path) }

// Attempt returns a structured field naming a retry attempt number.
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }
