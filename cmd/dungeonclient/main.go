// Package main provides a console client for the dungeon server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dungeon/internal/client"
	"github.com/cory-johannsen/dungeon/internal/config"
	"github.com/cory-johannsen/dungeon/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	host := flag.String("host", "", "server host (overrides config)")
	port := flag.Int("port", 0, "server port (overrides config)")
	name := flag.String("name", "", "player name (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *host != "" {
		cfg.Client.Host = *host
	}
	if *port != 0 {
		cfg.Client.Port = *port
	}
	if *name != "" {
		cfg.Client.Name = *name
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// Console output belongs to the game; logs go to stderr at warn and above.
	cfg.Logging.Format = "console"
	cfg.Logging.Level = "warn"
	logger, err := observability.NewLogger(cfg.Logging, "dungeonclient")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ui := newConsoleUI(os.Stdout)
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := client.Dial(dialCtx, cfg.Client.Addr(),
		client.WithUI(ui),
		client.WithLogger(logger),
	)
	cancel()
	if err != nil {
		logger.Fatal("connecting to server", zap.String("addr", cfg.Client.Addr()), zap.Error(err))
	}
	defer conn.Close()

	if cfg.Client.Name != "" {
		if err := conn.Hello(cfg.Client.Name); err != nil {
			logger.Fatal("sending name", zap.Error(err))
		}
	}
	fmt.Print(help)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-conn.Done():
			if err := conn.Err(); err != nil && !conn.Finished() {
				os.Exit(1)
			}
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "help" {
				fmt.Print(help)
				continue
			}
			err := execute(conn, line)
			switch {
			case errors.Is(err, errQuit):
				return
			case errors.Is(err, client.ErrConnectionClosed):
				return
			case err != nil:
				fmt.Println(err)
			}
		}
	}
}
