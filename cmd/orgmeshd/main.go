package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orgmesh.org/internal/audit"
	"orgmesh.org/internal/directory"
	"orgmesh.org/internal/httpapi"
	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/invite"
	"orgmesh.org/internal/logsync"
	"orgmesh.org/internal/obs"
	"orgmesh.org/internal/permission"
	"orgmesh.org/internal/store/pg"
	"orgmesh.org/internal/topic"
	"orgmesh.org/internal/topic/loopback"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	id, err := buildIdentity()
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	// Durable stores when a DSN is configured, in-memory otherwise.
	var (
		db          *sql.DB
		dirStore    directory.Store = directory.NewInMemory()
		inviteStore invite.Store    = invite.NewInMemory()
		auditSink   audit.Sink      = audit.NewMemorySink(4096)
	)
	if dsn := os.Getenv("ORGMESH_DATABASE_URL"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		db = store.DB()
		dirStore, inviteStore, auditSink = store, store, store
	}

	dir, err := directory.NewService(dirStore)
	if err != nil {
		log.Fatalf("directory: %v", err)
	}

	engineOpts := []permission.EngineOption{}
	if redisURL := os.Getenv("ORGMESH_REDIS_URL"); redisURL != "" {
		cache, err := permission.NewRedisCache(redisURL)
		if err != nil {
			log.Fatalf("redis cache: %v", err)
		}
		engineOpts = append(engineOpts, permission.WithCache(cache))
	}
	engine, err := permission.NewEngine(dir.Store(), audit.NewTrail(auditSink), engineOpts...)
	if err != nil {
		log.Fatalf("permission engine: %v", err)
	}
	dir.Subscribe(engine)

	// In-process transport. Multi-host pub/sub plugs in behind the same
	// interface.
	bus := loopback.NewBus()
	endpoint, err := bus.Attach(id.CurrentDID())
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	net := topic.NewNetwork(endpoint, id, topic.NewHub(),
		topic.WithIntervals(
			durationEnv("ORGMESH_HEARTBEAT_INTERVAL", topic.DefaultHeartbeatInterval),
			durationEnv("ORGMESH_DISCOVERY_INTERVAL", topic.DefaultDiscoveryInterval),
		))

	syncEngine, err := logsync.NewEngine(dir, net)
	if err != nil {
		log.Fatalf("sync engine: %v", err)
	}

	invites, err := invite.NewService(inviteStore, dir, engine, net, invite.WithSyncer(syncEngine))
	if err != nil {
		log.Fatalf("invite service: %v", err)
	}

	apiOpts := []httpapi.Option{httpapi.WithReadyProbe(httpapi.ReadyProbe{DB: db})}
	if os.Getenv("ORGMESH_API_SECRET") != "" {
		apiOpts = append(apiOpts, httpapi.WithTokenAuth())
	}
	api := httpapi.New(id, dir, engine, net, invites, syncEngine, version, apiOpts...)

	addr := os.Getenv("ORGMESH_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting orgmeshd %s (%s) on %s", version, id.CurrentDID(), srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// Rejoin known organizations so presence and sync resume after restart.
	go rejoin(dir, net, id.CurrentDID())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// buildIdentity restores the node identity from ORGMESH_IDENTITY_SEED
// (hex-encoded 32 bytes) or generates an ephemeral one.
func buildIdentity() (identity.Provider, error) {
	name := os.Getenv("ORGMESH_DISPLAY_NAME")
	if name == "" {
		host, _ := os.Hostname()
		name = host
	}
	if seedHex := os.Getenv("ORGMESH_IDENTITY_SEED"); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, err
		}
		return identity.NewLocalFromSeed(seed, name, "")
	}
	return identity.NewLocal(name, "")
}

// durationEnv parses the named variable, falling back to def when unset or
// malformed.
func durationEnv(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("%s=%q ignored, using default %s", name, raw, def)
		return def
	}
	return d
}

func rejoin(dir *directory.Service, net *topic.Network, did string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	orgs, err := dir.ListOrganizationsForDID(ctx, did)
	if err != nil {
		log.Printf("rejoin: list organizations: %v", err)
		return
	}
	for _, org := range orgs {
		if err := net.Join(ctx, org.ID); err != nil {
			log.Printf("rejoin %s: %v", org.ID, err)
		}
	}
}
