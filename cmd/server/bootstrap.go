package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/objectwire/objectwire/internal/app"
	"github.com/objectwire/objectwire/internal/database"
	"github.com/objectwire/objectwire/internal/models"
	"github.com/objectwire/objectwire/internal/schema"
	"github.com/objectwire/objectwire/pkg/logger"
)

// demoRegistry declares the bundled social-feed schema: wall posts with view
// counts and a "like" function. It doubles as a smoke surface for every
// protocol operation.
func demoRegistry() (*schema.Registry, error) {
	registry := schema.NewRegistry()
	err := registry.Register(&schema.Entity{
		Name:                      "Post",
		Path:                      "posts",
		IdentityAttribute:         "id",
		RequiresSession:           true,
		RequiredInitialProperties: []string{"text"},
		Attributes: map[string]schema.Attribute{
			"created": {Type: schema.Date},
			"text":    {Type: schema.String},
			"views":   {Type: schema.Integer},
			"likes":   {Type: schema.Integer},
		},
		Functions: []string{"like"},
	}, postAccess{})
	if err != nil {
		return nil, err
	}
	return registry, nil
}

// postAccess lets any session read posts, any user-authenticated session edit
// them, and implements the like function as a counter increment.
type postAccess struct {
	schema.OpenAccess
}

func (postAccess) PermissionForResource(_ *schema.Resource, session *models.Session) schema.Permission {
	if session == nil {
		return schema.NoAccess
	}
	if session.Authenticated() {
		return schema.Edit
	}
	return schema.ReadOnly
}

func (postAccess) ValidateValue(name string, value any) bool {
	switch name {
	case "text":
		s, ok := value.(string)
		return ok && s != ""
	case "views", "likes":
		n, ok := schema.NormalizeID(value)
		return ok && n >= 0
	default:
		return true
	}
}

func (postAccess) PerformFunction(ctx context.Context, res *schema.Resource, name string, _ map[string]any, mutator schema.Mutator) (schema.FunctionCode, map[string]any) {
	if name != "like" {
		return schema.FunctionInvalidInput, nil
	}

	likes, _ := schema.NormalizeID(res.Value("likes"))
	if err := mutator.Apply(ctx, res, map[string]any{"likes": likes + 1}); err != nil {
		return schema.FunctionInternalError, nil
	}
	return schema.FunctionSuccess, map[string]any{"likes": likes + 1}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.DatabaseOptions()

	if dbCfg.Driver == "" || strings.EqualFold(dbCfg.Driver, "sqlite") {
		if dir := filepath.Dir(dbCfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
	}

	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("close database", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
