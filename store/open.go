package store

import (
	"context"
	"fmt"

	"github.com/onnwee/stream-alerts/config"
	"github.com/onnwee/stream-alerts/db"
)

// Open returns the store for backend using the connection settings in cfg.
func Open(ctx context.Context, backend string, cfg *config.Config) (Store, error) {
	switch backend {
	case config.StateBackendFile:
		return NewFile(cfg.StateFile)
	case config.StateBackendPostgres:
		return db.Open(ctx, cfg.DBDsn)
	case config.StateBackendRedis:
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKey)
	}
	return nil, fmt.Errorf("unknown state backend %q", backend)
}
