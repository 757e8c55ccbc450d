package storage

import (
	"fmt"
	"strings"

	logx "tfmon/pkg/logx"
)

// Open builds the configured store, or (nil, nil) when persistence is
// switched off. Callers treat a nil Store as "cooldown marks live in
// memory only".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
