package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/BrandonDHaskell/interjornada/server/internal/config"
	"github.com/BrandonDHaskell/interjornada/server/internal/db"
	"github.com/BrandonDHaskell/interjornada/server/internal/device"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store/sqlite"
	"github.com/BrandonDHaskell/interjornada/server/internal/keylock"
	"github.com/BrandonDHaskell/interjornada/server/internal/notify"
)

// app is the dependency graph shared by every command: config, database,
// stores and the device gateway. Services are built on top by each command.
type app struct {
	cfg    config.Config
	logger *log.Logger

	db     *sql.DB
	writer *db.Worker

	events    *sqlite.EventStore
	sessions  *sqlite.SessionStore
	employees *sqlite.EmployeeStore
	audit     *sqlite.AuditStore

	gateway *device.Client
	alerter service.Alerter
	locks   *keylock.Locker
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(os.Stdout, "interjornada ", log.LstdFlags|log.LUTC)

	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	writer := db.NewWorker(sqlDB)

	alerters := notify.Fanout{notify.Log{Logger: logger}}
	tg, err := notify.NewTelegram(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID, logger)
	if err != nil {
		// Alerts are best effort; the server runs without Telegram.
		logger.Printf("telegram disabled: %v", err)
	} else if tg != nil {
		alerters = append(alerters, tg)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        sqlDB,
		writer:    writer,
		events:    sqlite.NewEventStore(sqlDB, writer),
		sessions:  sqlite.NewSessionStore(sqlDB, writer),
		employees: sqlite.NewEmployeeStore(sqlDB, writer),
		audit:     sqlite.NewAuditStore(sqlDB, writer),
		gateway:   device.New(deviceConfig(cfg.Device), device.Options{Logger: logger}),
		alerter:   alerters,
		locks:     keylock.New(),
	}, nil
}

func (a *app) Close() {
	a.writer.Close()
	_ = a.db.Close()
}

// resolveGroups asks the device for its groups when online, otherwise it
// falls back to the local mirror written by the last successful startup.
func (a *app) resolveGroups(ctx context.Context, online bool) (service.Groups, error) {
	names := service.GroupNames{
		Denial:    a.cfg.Groups.DenialName,
		Exemption: a.cfg.Groups.ExemptionName,
		Default:   a.cfg.Groups.DefaultName,
	}
	if online {
		return service.ResolveGroups(ctx, a.gateway, a.employees, names)
	}
	return service.GroupsFromStore(ctx, a.employees, names)
}

// startupGroups prefers the device's groups and falls back to the local
// mirror when the device is unreachable, so a restart during a device
// outage still serves queries and ingests once the device returns.
func (a *app) startupGroups(ctx context.Context) (service.Groups, error) {
	groups, err := a.resolveGroups(ctx, true)
	if err == nil {
		return groups, nil
	}
	cached, cerr := a.resolveGroups(ctx, false)
	if cerr != nil {
		return service.Groups{}, fmt.Errorf("%w (local mirror: %w)", err, cerr)
	}
	a.logger.Printf("groups: device lookup failed, using local mirror: %v", err)
	return cached, nil
}

func (a *app) reconciler(groups service.Groups) *service.AccessGroupReconciler {
	return service.NewAccessGroupReconciler(service.ReconcilerDeps{
		Device:    a.gateway,
		Employees: a.employees,
		Sessions:  a.sessions,
		Audit:     a.audit,
		Groups:    groups,
		Locks:     a.locks,
		Alerter:   a.alerter,
		Logger:    a.logger,
	})
}

func (a *app) projector(groups service.Groups, mover service.GroupMover) *service.SessionProjector {
	r := a.cfg.Rules
	return service.NewSessionProjector(service.ProjectorConfig{
		WorkMinutes:          r.WorkMinutes,
		RestMinutes:          r.RestMinutes,
		EarlyAccessThreshold: r.EarlyAccessThreshold,
		OvertimeThreshold:    r.OvertimeThreshold,
		EntryPortals:         a.cfg.Device.EntryPortals,
		ExitPortals:          a.cfg.Device.ExitPortals,
	}, service.ProjectorDeps{
		Events:    a.events,
		Sessions:  a.sessions,
		Employees: a.employees,
		Audit:     a.audit,
		Groups:    mover,
		Resolved:  groups,
		Locks:     a.locks,
		Logger:    a.logger,
	})
}

func deviceConfig(c config.DeviceConfig) device.Config {
	return device.Config{
		BaseURL:           c.BaseURL,
		Login:             c.Login,
		Password:          c.Password,
		ConnectTimeout:    c.ConnectTimeout,
		ReadTimeout:       c.ReadTimeout,
		ClockOffset:       c.ClockOffset,
		BackoffBase:       c.BackoffBase,
		BackoffMax:        c.BackoffMax,
		MaxAttempts:       c.MaxAttempts,
		AuthFailThreshold: c.AuthFailThreshold,
		AuthFailWindow:    c.AuthFailWindow,
		PageLimit:         c.PageLimit,
	}
}
