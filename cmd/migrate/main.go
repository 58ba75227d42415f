package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"yardlink.org/internal/migrate"
	"yardlink.org/internal/obs"
)

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("YARDLINK_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()
	obs.InitLogger(obs.LogConfig{Level: os.Getenv("YARDLINK_LOG_LEVEL"), Format: "console", Output: os.Stderr})
	logger := obs.WithComponent("migrate")

	if *dsn == "" {
		logger.Fatal().Msg("missing DSN: provide via -dsn or YARDLINK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	mgr := migrate.NewManager(db)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		logger.Info().Strs("applied", applied).Msg("up")
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		logger.Info().Str("rolled_back", name).Msg("down")
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		logger.Info().Strs("applied", applied).Msg("seed")
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		logger.Fatal().Str("command", flag.Arg(0)).Msg("unknown command")
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("migrate failed")
	}
}
