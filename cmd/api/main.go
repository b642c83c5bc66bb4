package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/classmirror/service-sync-go/internal/directory"
	"github.com/classmirror/service-sync-go/internal/router"
	"github.com/classmirror/service-sync-go/internal/sync"
	tenantentity "github.com/classmirror/service-sync-go/internal/tenant/entity"
	tenantrepo "github.com/classmirror/service-sync-go/internal/tenant/repo"
	userrepo "github.com/classmirror/service-sync-go/internal/user/repo"
	"github.com/classmirror/service-sync-go/pkg/database"
	"github.com/classmirror/service-sync-go/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it;
	// best-effort: with no .env, defaults and real env apply
	_ = godotenv.Load()

	lg, err := utilities.InitLogger(utilities.LogConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting classmirror sync service")

	sqlDB, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer sqlDB.Close()
	sqlxDB := sqlx.NewDb(sqlDB, "postgres")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tenants := tenantrepo.NewTenantRepo(sqlxDB)
	mirrors := userrepo.NewMirrorRepo(sqlxDB)
	if err := tenants.EnsureTable(ctx); err != nil {
		sugar.Fatalf("ensure tenants table: %v", err)
	}
	if err := mirrors.EnsureTables(ctx); err != nil {
		sugar.Fatalf("ensure mirror tables: %v", err)
	}

	// register tenants named in SYNC_TENANT_SEED (comma-separated ids);
	// records whose tenant attribute is not registered are skipped by runs
	for _, id := range strings.Split(os.Getenv("SYNC_TENANT_SEED"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := tenants.Create(ctx, &tenantentity.Tenant{ID: id, Name: id}); err != nil {
			sugar.Fatalf("seed tenant %s: %v", id, err)
		}
	}

	dir, err := directory.NewCognitoDirectory(ctx, directory.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("directory client: %v", err)
	}

	svc := sync.NewService(dir, mirrors, tenants, sync.ConfigFromEnv(), sugar)
	handler := router.RegisterRoutes(sugar, sync.NewHandler(svc, sugar), os.Getenv("SYNC_API_SECRET"))

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running", "addr", addr)

	<-ctx.Done()
	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	sugar.Info("goodbye")
}
