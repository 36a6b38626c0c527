package repair

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/miradorstack/mirador-sentinel/internal/cache"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// FixResult is what a handler reports after executing a remediation.
type FixResult struct {
	Action  string
	Message string
}

// FixHandler executes one class of remediation. Implementations must be safe
// for concurrent use.
type FixHandler interface {
	Execute(ctx context.Context, d models.Diagnosis) (FixResult, error)
}

// Maintainer is the slice of the state store the index handler drives.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// databaseIndexHandler refreshes datastore statistics and compacts storage.
type databaseIndexHandler struct {
	store Maintainer
}

func (h *databaseIndexHandler) Execute(ctx context.Context, d models.Diagnosis) (FixResult, error) {
	if h.store == nil {
		return FixResult{}, fmt.Errorf("no datastore configured")
	}
	if err := h.store.Maintain(ctx); err != nil {
		return FixResult{}, fmt.Errorf("datastore maintenance: %w", err)
	}
	return FixResult{
		Action:  "refreshed datastore statistics and compacted storage",
		Message: "maintenance pass completed",
	}, nil
}

// cacheClearHandler drops application cache keys, leaving the agent's own
// namespaces untouched.
type cacheClearHandler struct {
	provider cache.Provider
}

// protectedPrefix guards keys the agents themselves rely on.
const protectedPrefix = "sentinel:"

func (h *cacheClearHandler) Execute(ctx context.Context, d models.Diagnosis) (FixResult, error) {
	if h.provider == nil {
		return FixResult{}, fmt.Errorf("no cache provider configured")
	}
	keys, err := h.provider.Keys(ctx, "")
	if err != nil {
		return FixResult{}, fmt.Errorf("list cache keys: %w", err)
	}
	cleared := 0
	for _, key := range keys {
		if strings.HasPrefix(key, protectedPrefix) {
			continue
		}
		if err := h.provider.Del(ctx, key); err != nil {
			return FixResult{}, fmt.Errorf("clear cache key %s: %w", key, err)
		}
		cleared++
	}
	return FixResult{
		Action:  fmt.Sprintf("cleared %d cache keys", cleared),
		Message: "cache will repopulate on demand",
	}, nil
}

// memoryCleanupHandler forces a collection and returns freed pages to the OS.
type memoryCleanupHandler struct{}

func (memoryCleanupHandler) Execute(_ context.Context, d models.Diagnosis) (FixResult, error) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)
	var freedMB uint64
	if before.HeapAlloc > after.HeapAlloc {
		freedMB = (before.HeapAlloc - after.HeapAlloc) / (1 << 20)
	}
	return FixResult{
		Action:  fmt.Sprintf("forced garbage collection, released %dMB to the OS", freedMB),
		Message: "heap pressure relieved",
	}, nil
}

// signalHandler records an operator-visible remediation signal for fixes the
// core cannot apply in-process. The signal is carried on the repair outcome
// and its notifications.
type signalHandler struct {
	action string
	logger *slog.Logger
}

func (h *signalHandler) Execute(_ context.Context, d models.Diagnosis) (FixResult, error) {
	action := fmt.Sprintf(h.action, d.Component)
	h.logger.Info("remediation signal issued",
		slog.String("component", d.Component),
		slog.String("action", action))
	return FixResult{Action: action, Message: "signal recorded"}, nil
}

// builtinHandlers registers the seven stock remediations.
func builtinHandlers(store Maintainer, provider cache.Provider, logger *slog.Logger) map[models.FixType]FixHandler {
	return map[models.FixType]FixHandler{
		models.FixDatabaseIndex:  &databaseIndexHandler{store: store},
		models.FixCacheClear:     &cacheClearHandler{provider: provider},
		models.FixMemoryCleanup:  memoryCleanupHandler{},
		models.FixServiceRestart: &signalHandler{action: "issued restart signal for %s", logger: logger},
		models.FixProviderFailover: &signalHandler{
			action: "initiated failover to the standby provider for %s", logger: logger,
		},
		models.FixConnectionPoolExpand: &signalHandler{
			action: "requested connection pool expansion for %s", logger: logger,
		},
		models.FixRateLimitAdjust: &signalHandler{
			action: "requested tightened rate limits for %s", logger: logger,
		},
	}
}

// rollbackPlan describes how to undo a fix and, when possible, does so.
type rollbackPlan struct {
	description string
	execute     func(ctx context.Context) error
}

// rollbackFor builds the undo plan for a fix type before it runs.
func rollbackFor(fixType models.FixType, d models.Diagnosis, logger *slog.Logger) rollbackPlan {
	switch fixType {
	case models.FixDatabaseIndex:
		return rollbackPlan{description: "statistics refresh is additive; nothing to undo"}
	case models.FixCacheClear:
		return rollbackPlan{description: "cache repopulates organically; nothing to undo"}
	case models.FixMemoryCleanup:
		return rollbackPlan{description: "garbage collection is not reversible; nothing to undo"}
	case models.FixServiceRestart:
		return rollbackPlan{description: "restart is terminal; monitor for recovery instead"}
	case models.FixProviderFailover:
		return rollbackPlan{
			description: "fail back to the primary provider",
			execute: func(ctx context.Context) error {
				logger.Info("rollback: failing back to primary provider",
					slog.String("component", d.Component))
				return nil
			},
		}
	case models.FixConnectionPoolExpand:
		return rollbackPlan{
			description: "shrink the connection pool to its previous size",
			execute: func(ctx context.Context) error {
				logger.Info("rollback: restoring previous pool size",
					slog.String("component", d.Component))
				return nil
			},
		}
	case models.FixRateLimitAdjust:
		return rollbackPlan{
			description: "restore the previous rate limits",
			execute: func(ctx context.Context) error {
				logger.Info("rollback: restoring previous rate limits",
					slog.String("component", d.Component))
				return nil
			},
		}
	default:
		return rollbackPlan{description: "no rollback defined for " + string(fixType)}
	}
}

