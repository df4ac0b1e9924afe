package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	c "github.com/pvik/fleetd/internal/config"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotFound indicates that a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDeployInProgress indicates that the instance already has a
	// deployment with pending or running steps.
	ErrDeployInProgress = errors.New("another deployment to instance already in progress")

	// ErrInvalidState indicates a transition the row's current status
	// does not allow.
	ErrInvalidState = errors.New("invalid state")
)

// Store wraps the gorm handle used by the deployment engine
type Store struct {
	DB *gorm.DB
}

// New returns a Store over an already open gorm handle
func New(gdb *gorm.DB) *Store {
	return &Store{DB: gdb}
}

// Open initializes a database connection for the configured db type and
// migrates the engine models
func Open(cfg c.DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "postgres", "":
		var extraParamStr string
		if !cfg.SSLMode {
			extraParamStr = " sslmode=disable"
		}
		dialector = postgres.Open(
			fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s%s",
				cfg.Host, cfg.Port, cfg.Username, cfg.DBName, cfg.Password, extraParamStr))
	case "sqlserver":
		dialector = sqlserver.Open(
			fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
				cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.DBName))
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite db requires a path")
		}
		dialector = sqlite.Open(cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	default:
		return nil, fmt.Errorf("invalid DB type %q", cfg.Type)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.StandardLogger(), logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		log.WithFields(log.Fields{
			"type":     cfg.Type,
			"host":     cfg.Host,
			"port":     cfg.Port,
			"dbname":   cfg.DBName,
			"user":     cfg.Username,
			"password": "***",
			"error":    err,
		}).Error("Unable to open database")
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.Type == "sqlite" {
		// one writer at a time, sqlite has no row locks
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(gdb); err != nil {
		return nil, err
	}

	return gdb, nil
}

// Migrate creates or updates the tables of the engine models
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&Host{}, &Instance{}, &DeploymentRecord{}, &BatchRecord{}); err != nil {
		return fmt.Errorf("migrate models: %w", err)
	}
	return nil
}

// Close closes the database connection held by the Store
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %q: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %q: %w", what, id, err)
}
