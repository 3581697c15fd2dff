// Command querykit is a small admin tool for querykit-managed databases:
// it checks connectivity, applies migrations, and prints the reflected
// table layout, using the same config file an application would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpattn/querykit"
	"github.com/rpattn/querykit/config"
	_ "github.com/rpattn/querykit/postgres"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	migrations := flag.String("migrations", "./migrations", "migrations directory (migrate command)")
	bind := flag.String("bind", querykit.AllBinds, "bind key to target, default all")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		fmt.Fprintln(os.Stderr, "usage: querykit [flags] ping|migrate|reflect")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	manager, err := querykit.NewManager(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer manager.Close(context.Background())

	switch cmd {
	case "ping":
		if err := manager.Ping(ctx); err != nil {
			log.Fatalf("Ping failed: %v", err)
		}
		log.Println("All binds reachable")
	case "migrate":
		if err := manager.Migrate(ctx, *bind, *migrations); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	case "reflect":
		layout, err := manager.Reflect(ctx, *bind)
		if err != nil {
			log.Fatalf("Failed to reflect tables: %v", err)
		}
		for bindKey, tables := range layout {
			name := bindKey
			if name == "" {
				name = "(default)"
			}
			for _, table := range tables {
				fmt.Printf("%s\t%s\t%d columns\n", name, table.Name, len(table.Columns))
			}
		}
	default:
		log.Fatalf("Unknown command %q", cmd)
	}
}
