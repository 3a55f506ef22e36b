package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/acoreyj/geniesync/server"
)

const LocalVersion = "0.0.0-local"

const DefaultPort = 8787
const DefaultDataDir = "data"

func main() {
	usage := fmt.Sprintf(
		`Genie sync server.

Serves realtime document sync and the administrative api. Each
document identity is owned by one durable session actor backed by
sqlite under the data dir.

Usage:
    geniesyncd serve [--port=<port>] [--data_dir=<data_dir>] [--jwt_secret=<jwt_secret>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    -p --port=<port>           Listen port [default: %d].
    --data_dir=<data_dir>      Actor storage directory [default: %s].
    --jwt_secret=<jwt_secret>  HMAC key for client identity tokens.
                               When unset, all connections are trusted.`,
		DefaultPort,
		DefaultDataDir,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	dataDir := DefaultDataDir
	if dataDirAny := opts["--data_dir"]; dataDirAny != nil {
		dataDir = dataDirAny.(string)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		glog.Errorf("could not create data dir %s = %s\n", dataDir, err)
		os.Exit(1)
	}

	var verifier *server.TokenVerifier
	if jwtSecretAny := opts["--jwt_secret"]; jwtSecretAny != nil {
		verifier = server.NewTokenVerifier([]byte(jwtSecretAny.(string)))
	}

	cancelCtx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer cancel()

	router := server.NewRouterWithDefaults(cancelCtx, dataDir, verifier)
	defer router.Close()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		<-cancelCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("listening on :%d\n", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("serve error = %s\n", err)
		os.Exit(1)
	}
}
