package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidroom.org/internal/collab"
	"bidroom.org/internal/httpapi"
	"bidroom.org/internal/obs"
	"bidroom.org/internal/property"
	"bidroom.org/internal/store/pg"
	"bidroom.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Property store: Postgres when a DSN is configured, in-memory otherwise.
	var (
		props  property.Store
		probe  httpapi.ReadyProbe
		pgStop func()
	)
	if dsn := os.Getenv("BIDROOM_PG_DSN"); dsn != "" {
		st, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		props = st
		probe = httpapi.ReadyProbe{DB: st.DB()}
		pgStop = func() { _ = st.Close() }
	} else {
		mem := property.NewInMemory()
		seedSample(mem)
		props = mem
	}

	opts := coordinatorOptions()
	hub := stream.NewHub()
	coord := collab.New(props, hub, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	api := httpapi.New(probe, version, coord, hub, props)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: /stream holds connections open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting bidroom-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if pgStop != nil {
		pgStop()
	}
	log.Println("Stopped")
}

func listenAddr() string {
	if addr := os.Getenv("BIDROOM_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

func coordinatorOptions() []collab.Option {
	var opts []collab.Option
	if d := durationEnv("BIDROOM_LOCK_TTL"); d > 0 {
		opts = append(opts, collab.WithLockTTL(d))
	}
	if d := durationEnv("BIDROOM_LIVENESS_TIMEOUT"); d > 0 {
		opts = append(opts, collab.WithLivenessTimeout(d))
	}
	if d := durationEnv("BIDROOM_SWEEP_INTERVAL"); d > 0 {
		opts = append(opts, collab.WithSweepInterval(d))
	}
	if os.Getenv("BIDROOM_RENEW_ON_MUTATE") == "true" {
		opts = append(opts, collab.WithRenewOnMutate(true))
	}
	return opts
}

func durationEnv(name string) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	return d
}

// seedSample gives the in-memory store something to collaborate on. Real
// deployments load property records through the migration seeds.
func seedSample(mem *property.InMemory) {
	ctx := context.Background()
	_ = mem.Put(ctx, property.Record{
		CaseNo: "250179",
		Fields: map[string]string{
			"address":        "14 Hazel Grove",
			"recommendation": "REVIEW",
			"max_bid":        "185000",
		},
	})
	_ = mem.Put(ctx, property.Record{
		CaseNo: "250204",
		Fields: map[string]string{
			"address":        "3 Mill Lane",
			"recommendation": "SKIP",
			"notes":          "structural survey pending",
		},
	})
}
