package logging

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Common field keys.
const (
	FieldLayer     = "layer"
	FieldComponent = "component"
	FieldAdapter   = "adapter"
	FieldAction    = "action"
	FieldEntityID  = "entity_id"
	FieldResource  = "resource"
	FieldSession   = "session"
)

// WithFields returns a context whose logger carries the given fields.
func WithFields(ctx context.Context, fields map[string]any) context.Context {
	l := zerolog.Ctx(ctx).With().Fields(fields).Logger()
	return l.WithContext(ctx)
}

// WithField is WithFields for a single field.
func WithField(ctx context.Context, key string, value any) context.Context {
	return WithFields(ctx, map[string]any{key: value})
}

// FromCtx returns the logger stored in ctx, or a disabled one.
func FromCtx(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WrapErr logs err at error level and returns it wrapped with msg.
func WrapErr(log *zerolog.Logger, err error, msg string) error {
	log.Error().Err(err).Msg(msg)
	return fmt.Errorf("%s: %w", msg, err)
}
