// One-shot batch runner for scheduled execution (cron / ECS task). Runs a
// single full synchronization, prints the report as JSON on stdout and
// exits non-zero when the run could not complete.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/classmirror/service-sync-go/internal/directory"
	"github.com/classmirror/service-sync-go/internal/sync"
	tenantentity "github.com/classmirror/service-sync-go/internal/tenant/entity"
	tenantrepo "github.com/classmirror/service-sync-go/internal/tenant/repo"
	userrepo "github.com/classmirror/service-sync-go/internal/user/repo"
	"github.com/classmirror/service-sync-go/pkg/database"
	"github.com/classmirror/service-sync-go/pkg/utilities"
)

func main() {
	_ = godotenv.Load()

	lg, err := utilities.InitLogger(utilities.LogConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	sqlDB, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer sqlDB.Close()
	sqlxDB := sqlx.NewDb(sqlDB, "postgres")

	// a SIGTERM between user iterations stops the run gracefully;
	// committed writes stand
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
	report, err := svc.Run(ctx)
	if err != nil {
		sugar.Errorf("sync run failed: %v", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}
