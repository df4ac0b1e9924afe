package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pvik/fleetd/internal/batch"
	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/deploy"
	"github.com/pvik/fleetd/internal/hostprobe"
	"github.com/pvik/fleetd/internal/notify"
	"github.com/pvik/fleetd/internal/remote"
	"github.com/pvik/fleetd/internal/sealed"
	"github.com/pvik/fleetd/pkg/db"

	log "github.com/sirupsen/logrus"
)

// engine is everything a command needs, built from AppConf
type engine struct {
	Store        *db.Store
	Manager      *remote.ConnectionManager
	Pipeline     *deploy.Pipeline
	Orchestrator *batch.Orchestrator
	Prober       *hostprobe.Prober
}

func newEngine(conf c.Config) (*engine, error) {
	gdb, err := db.Open(conf.DBConfig)
	if err != nil {
		return nil, err
	}
	store := db.New(gdb)

	sealer, err := sealed.New(conf.Sealing.Identity)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("sealing identity: %w", err)
	}

	notifier := notify.FromConfig(conf.Notify)
	manager := remote.NewConnectionManager(conf.SSH)
	connector := remote.HostConnector{Manager: manager}

	pipeline := deploy.New(store, connector, conf.Pipeline,
		deploy.WithNotifier(notifier),
		deploy.WithSealer(sealer))

	e := &engine{
		Store:        store,
		Manager:      manager,
		Pipeline:     pipeline,
		Orchestrator: batch.New(store, pipeline, conf.Batch, batch.WithNotifier(notifier)),
		Prober:       hostprobe.New(conf.Probe, connector),
	}

	log.WithFields(log.Fields{
		"db":      conf.DBConfig.Type,
		"sealing": sealer.Enabled(),
	}).Debug("engine ready")
	return e, nil
}

func (e *engine) Close() {
	e.Manager.Close()
	if err := e.Store.Close(); err != nil {
		log.WithField("error", err).Warn("unable to close db")
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
