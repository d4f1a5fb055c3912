package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/redis/go-redis/v9"

	"github.com/stagecast/replicant/replicant"
)

const Version = "0.1.0"

const DefaultPort = 9090
const DefaultDb = "db/replicants"

func main() {
	usage := fmt.Sprintf(
		`Replicant daemon.

Serves the replicant websocket endpoint at /replicant and persists
snapshots under the db root (default %s), one namespace per directory.

Usage:
    replicantd serve [--port=<port>] [--db=<db>]
        [--redis_url=<redis_url>]
        [--jwt_secret=<jwt_secret>]
        [--schema_dir=<schema_dir>]
        [--persistence_interval=<ms>]
        [--preload]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    -p --port=<port>               Listen port [default: %d].
    --db=<db>                      Persistence root directory [default: %s].
    --redis_url=<redis_url>        Persist to redis instead of the filesystem.
    --jwt_secret=<jwt_secret>      Require a signed token on every socket.
    --schema_dir=<schema_dir>      Schema root, <schema_dir>/<namespace>/<name>.json.
    --persistence_interval=<ms>    Default minimum gap between snapshot writes.
    --preload                      Declare every persisted replicant at startup.`,
		DefaultDb,
		DefaultPort,
		DefaultDb,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	if port == 0 {
		port = DefaultPort
	}

	db := DefaultDb
	if dbAny := opts["--db"]; dbAny != nil {
		db = dbAny.(string)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stores replicant.StoreProvider
	if redisUrlAny := opts["--redis_url"]; redisUrlAny != nil {
		redisOpts, err := redis.ParseURL(redisUrlAny.(string))
		if err != nil {
			panic(err)
		}
		stores = replicant.NewRedisStoreProviderWithDefaults(cancelCtx, redis.NewClient(redisOpts))
	} else {
		stores = replicant.NewFileStoreProvider(db)
	}

	auth := replicant.AllowAll()
	if jwtSecretAny := opts["--jwt_secret"]; jwtSecretAny != nil {
		auth = replicant.NewJwtAuth([]byte(jwtSecretAny.(string)))
	}

	settings := replicant.DefaultReplicatorSettings()
	if ms, _ := opts.Int("--persistence_interval"); 0 < ms {
		settings.PersistenceInterval = time.Duration(ms) * time.Millisecond
	}
	if schemaDirAny := opts["--schema_dir"]; schemaDirAny != nil {
		schemaDir := schemaDirAny.(string)
		settings.SchemaPath = func(namespace string, name string) string {
			schemaPath := filepath.Join(schemaDir, namespace, fmt.Sprintf("%s.json", name))
			if _, err := os.Stat(schemaPath); err != nil {
				return ""
			}
			return schemaPath
		}
	}

	transport := replicant.NewTransportServerWithDefaults(cancelCtx, auth)
	replicator := replicant.NewReplicator(cancelCtx, transport, stores, settings)

	if preload_, _ := opts.Bool("--preload"); preload_ {
		if _, ok := stores.(*replicant.FileStoreProvider); ok {
			preload(replicator, db)
		} else {
			glog.Infof("preload is only supported with the filesystem store\n")
		}
	}

	http.Handle("/replicant", transport)

	go func() {
		addr := fmt.Sprintf(":%d", port)
		fmt.Printf("listening on %s\n", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			glog.Errorf("listen error = %s\n", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-cancelCtx.Done():
	}

	// a final snapshot for every persistent replicant
	replicator.SaveAllReplicants()
	transport.Close()
}

// preload declares every replicant that has a persisted snapshot so state
// is resident before the first client connects.
func preload(replicator *replicant.Replicator, db string) {
	entries, err := os.ReadDir(db)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		namespace, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		keys, err := os.ReadDir(filepath.Join(db, entry.Name()))
		if err != nil {
			continue
		}
		for _, key := range keys {
			keyName, err := url.PathUnescape(key.Name())
			if err != nil || !strings.HasSuffix(keyName, ".rep") {
				continue
			}
			name := strings.TrimSuffix(keyName, ".rep")
			if _, err := replicator.Declare(name, namespace, nil); err != nil {
				glog.Infof("preload %s/%s error = %s\n", namespace, name, err)
			}
		}
	}
}
