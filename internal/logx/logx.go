package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/schema"
)

type contextKey int

const remoteKey contextKey = iota

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithInstance annotates the logger with a shell instance id when available.
func WithInstance(log pslog.Logger, instance schema.InstanceID) pslog.Logger {
	if instance != "" {
		log = log.With("instance", instance)
	}
	return log
}

// WithRemote annotates the logger with the remote peer of a viewer.
func WithRemote(ctx context.Context, remote string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if remote != "" {
		if current, ok := ctx.Value(remoteKey).(string); ok && current == remote {
			return log
		}
		log = log.With("remote", remote)
	}
	return log
}

// ContextWithRemoteLogger attaches the logger and remote marker to the context.
func ContextWithRemoteLogger(ctx context.Context, log pslog.Logger, remote string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	if remote == "" {
		return ctx
	}
	return context.WithValue(ctx, remoteKey, remote)
}
