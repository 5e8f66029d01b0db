package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tri2510/vehicle-edge-runtime-sub001/authgate"
	"github.com/tri2510/vehicle-edge-runtime-sub001/config"
	"github.com/tri2510/vehicle-edge-runtime-sub001/control"
	"github.com/tri2510/vehicle-edge-runtime-sub001/identity"
	"github.com/tri2510/vehicle-edge-runtime-sub001/lifecycle"
	"github.com/tri2510/vehicle-edge-runtime-sub001/sandbox"
	"github.com/tri2510/vehicle-edge-runtime-sub001/signalgw"
	"github.com/tri2510/vehicle-edge-runtime-sub001/store/sqlite"
)

var version = "dev"

func main() {
	dataDir := env("VEA_DATA_DIR", "/var/lib/vea-supervisor")

	fmt.Printf("vea-supervisor %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sqlite.Open(dataDir+"/state.db", 500)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer db.Close()

	cfg, err := config.Load(ctx, db)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	d := cfg.Get()

	ids := identity.New(d.AppIDPrefix, db)

	// lc is wired into sd's Handler by closure before it exists: the sandbox
	// driver must be constructed with its crash/reconnect callbacks up
	// front, but those callbacks are lifecycle.Core methods, and Core.New
	// itself takes the sandbox driver. Same cycle the overseer client and
	// manager break with a deferred setter; a closure over a pointer
	// assigned after does the same job without an exported setter.
	var lc *lifecycle.Core
	sd := sandbox.NewClient(env("VEA_SANDBOX_URL", d.SandboxSocket), sandbox.Handler{
		OnExited:    func(handle string, exitCode int, ts time.Time) { lc.OnSandboxExited(handle, exitCode, ts) },
		OnConnected: func() { lc.OnSandboxConnected() },
	})
	go sd.Run(ctx)

	var sg *signalgw.Gateway
	if d.BrokerEnabled {
		sg, err = signalgw.New(env("VEA_BROKER_URL", d.BrokerEndpoint), 0)
		if err != nil {
			log.Fatalf("signal gateway: %v", err)
		}
		go sg.Run(ctx)
	} else {
		log.Println("broker_enabled=false; signal operations will fail with broker_error")
	}

	lcCfg := lifecycle.Config{
		AppIDPrefix:        d.AppIDPrefix,
		MaxLiveApps:        d.MaxLiveApps,
		DefaultMemoryBytes: d.DefaultMemoryBytes,
		DefaultCPUShare:    d.DefaultCPUShare,
		ReconcileInterval:  time.Duration(d.ReconcileIntervalMs) * time.Millisecond,
		RequestDeadline:    time.Duration(d.DefaultRequestDeadlineMs) * time.Millisecond,
		StopGrace:          time.Duration(d.DefaultStopGraceMs) * time.Millisecond,
		BrokerEnabled:      d.BrokerEnabled,
	}
	// Passed as a literal nil, not a nil *signalgw.Gateway, when the broker
	// is disabled: a typed nil pointer boxed into the signalGateway
	// interface is a non-nil interface value, and lifecycle's nil checks
	// would stop catching it.
	if d.BrokerEnabled {
		lc = lifecycle.New(lcCfg, db, sd, sg, ids)
	} else {
		lc = lifecycle.New(lcCfg, db, sd, nil, ids)
	}

	if err := lc.Bootstrap(ctx); err != nil {
		log.Fatalf("lifecycle bootstrap: %v", err)
	}

	gate := authgate.New(d.ControlTokenHash, d.JWTSigningKey)
	var cp *control.Server
	if d.BrokerEnabled {
		cp = control.New(lc, sg, gate, sd)
	} else {
		cp = control.New(lc, nil, gate, sd)
	}

	controlSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", d.ControlPort),
		Handler:      wrapControl(cp),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // console_subscribe streams indefinitely
		IdleTimeout:  60 * time.Second,
	}
	healthSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", d.HealthPort),
		Handler:      cp.NewHealthMux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("control channel listening on %s", controlSrv.Addr)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control http: %v", err)
		}
	}()
	go func() {
		log.Printf("health/metrics listening on %s", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("health http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := controlSrv.Shutdown(shutCtx); err != nil {
		log.Printf("control shutdown: %v", err)
	}
	if err := healthSrv.Shutdown(shutCtx); err != nil {
		log.Printf("health shutdown: %v", err)
	}
}

// wrapControl binds the control channel handler to the root path; the
// supervisor exposes exactly one WebSocket endpoint.
func wrapControl(cp *control.Server) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", cp.ControlHandler())
	return mux
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
