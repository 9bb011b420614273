package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradebot/internal/api"
	"tradebot/internal/events"
	"tradebot/internal/harvest"
	"tradebot/internal/marketdata"
	"tradebot/internal/monitor"
	"tradebot/internal/orders"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
	"tradebot/pkg/gateway"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Printf("starting, api on :%s, gateway %s:%d (client %d)",
		cfg.Port, cfg.GatewayHost, cfg.GatewayPort, cfg.ClientID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	var database *db.Database
	if cfg.PostgresDSN != "" {
		database, err = db.NewPostgres(cfg.PostgresDSN)
	} else {
		database, err = db.New(cfg.DBPath)
	}
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	log.Printf("database ready (%s)", database.Driver())

	// Gateway session
	session := gateway.NewClient(gateway.Config{
		Host:           cfg.GatewayHost,
		Port:           cfg.GatewayPort,
		ClientID:       cfg.ClientID,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		AutoReconnect:  cfg.AutoReconnect,
		ReconnectWait:  cfg.ReconnectWait,
	}, gateway.NewWSTransport())

	md := marketdata.New(session, marketdata.DefaultFieldMap(), cfg.AcceptDelayedData)
	tracker := orders.NewTracker(session, bus)
	session.SetTickSink(md)
	session.SetOrderSink(tracker)
	session.SetStateFunc(func(state gateway.State, err error) {
		switch state {
		case gateway.Connected:
			bus.Publish(events.EventSessionConnected, state.String())
		case gateway.Disconnected:
			bus.Publish(events.EventSessionLost, err)
		}
	})

	if err := session.Connect(); err != nil {
		// The harvester and API can still serve stored data; the session
		// reconnects when the gateway comes back.
		log.Printf("gateway connect: %v", err)
	}
	defer session.Disconnect()

	// Harvesting
	engine := harvest.NewEngine(session, database, bus, cfg.HarvestPacing)

	plan, err := config.LoadHarvestPlan(cfg.HarvestPlanPath)
	if err != nil {
		log.Fatalf("load harvest plan: %v", err)
	}
	timeframes := make([]harvest.TimeframeSpec, 0, len(plan.Timeframes))
	for _, tf := range plan.Timeframes {
		timeframes = append(timeframes, harvest.TimeframeSpec{
			Duration:   tf.Duration,
			BarSize:    tf.BarSize,
			WhatToShow: tf.WhatToShow,
		})
	}

	if cfg.SchedulerOn {
		sched := harvest.NewScheduler(engine, plan.Symbols, timeframes, cfg.HarvestInterval)
		go sched.Run(ctx)
	}

	// Alerts
	mon := &monitor.Monitor{Bus: bus, AlertFn: monitor.LogAlerts}
	mon.Start(ctx)

	// Status API
	server := api.NewServer(session, md, tracker, engine, cfg.JWTSecret, cfg.APIKey)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server: %v", err)
		}
	}()

	// Shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown: %v", err)
	}
}
