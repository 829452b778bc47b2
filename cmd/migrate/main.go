package main

import (
	"database/sql"
	"flag"
	"log"
	"os"

	"github.com/leafsii/leafsii-liquidity/internal/config"
	"github.com/leafsii/leafsii-liquidity/migrations"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	flags = flag.NewFlagSet("migrate", flag.ExitOnError)
	dsn   = flags.String("dsn", "", "postgres DSN (defaults to LQ_POSTGRES_DSN)")
)

func main() {
	flags.Parse(os.Args[1:])
	args := flags.Args()

	if len(args) < 1 {
		log.Fatal("Usage: migrate [-dsn DSN] COMMAND\n\nCommands:\n  up\n  down\n  status")
	}

	target := *dsn
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		target = cfg.Database.PostgresDSN
	}
	if target == "" {
		log.Fatal("No DSN: pass -dsn or set LQ_POSTGRES_DSN")
	}

	db, err := sql.Open("pgx", target)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	command := args[0]
	switch command {
	case "up":
		if err := goose.Up(db, "."); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
	case "down":
		if err := goose.Down(db, "."); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
	case "status":
		if err := goose.Status(db, "."); err != nil {
			log.Fatalf("Migration status failed: %v", err)
		}
	default:
		log.Fatalf("Unknown command: %s", command)
	}
}
