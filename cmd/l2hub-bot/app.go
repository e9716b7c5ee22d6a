package main

import (
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/access"
	"github.com/MarcoPoloResearchLab/l2hub/internal/config"
	"github.com/MarcoPoloResearchLab/l2hub/internal/database"
	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/MarcoPoloResearchLab/l2hub/internal/hub"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ledger"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const eventBufferSize = 128

// application holds the wired core shared by every subcommand.
type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	registry   *registry.Service
	ledger     *ledger.Service
	grants     *access.Service
	dispatcher *events.Dispatcher
	hub        *hub.Hub
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	registryService, err := registry.NewService(registry.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: registry.NewUUIDProvider(),
		Logger:     logger.Named("registry"),
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Directory:  registryService,
		Location:   appConfig.Location,
		IDProvider: ledger.NewUUIDProvider(),
		Logger:     logger.Named("ledger"),
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	grantService, err := access.NewService(access.ServiceConfig{
		Database: db,
		Logger:   logger.Named("access"),
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	dispatcher := events.NewDispatcher(eventBufferSize, logger.Named("events"))

	voteHub, err := hub.New(hub.Config{
		Registry:  registryService,
		Ledger:    ledgerService,
		Grants:    grantService,
		Publisher: dispatcher,
		Clock:     time.Now,
		Logger:    logger.Named("hub"),
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	return &application{
		config:     appConfig,
		logger:     logger,
		db:         db,
		registry:   registryService,
		ledger:     ledgerService,
		grants:     grantService,
		dispatcher: dispatcher,
		hub:        voteHub,
	}, nil
}

func (a *application) Close() error {
	return database.Close(a.db)
}
