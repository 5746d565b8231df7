package migration

import (
	"github.com/orderpulse/orderpulse/internal/cache"
	"github.com/orderpulse/orderpulse/internal/config"
	"github.com/orderpulse/orderpulse/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger, creds cache.CredentialCache) error {
		// The embedded migrations target postgres. Other dialects
		// (sqlite in tests) create their schema inline.
		if cfg.DBType != "postgres" {
			log.Named("migrations").Info("skipping migrations", zap.String("db_type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		if cfg.Environment != "production" && cfg.CredentialKey != "" {
			return seed.EnsureDemoAccounts(conn, cfg.CredentialKey, creds)
		}
		return nil
	}),
)
