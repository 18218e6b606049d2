// Command acachectl inspects and operates on atomiccache keyspaces held in
// Redis or memcached: show the derived keys, read or move the LMT (expiring
// every value in the keyspace), and clear a stuck generation lock.
//
//	acachectl --redis-addr localhost:6379 keys user 42
//	acachectl --config atomiccache.yaml expire --at 2025-01-01T00:00:00Z user
//	acachectl --backend memcache --memcache-server 10.0.0.5:11211 unlock report 7
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	level := strings.ToLower(os.Getenv("ACACHECTL_LOG"))
	if level == "" {
		level = "error"
	}
	log.SetHandler(cli.New(os.Stderr))
	if err := log.SetLevelFromString(level); err != nil {
		log.SetLevel(log.ErrorLevel)
	}

	app := newApp(os.Stdout, openStorage)
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
