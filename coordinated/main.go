package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"

	"github.com/golang/glog"

	"github.com/topicmap/coordinate/coordinate"
)

const CoordinatedVersion = "0.1.0"

func main() {
	usage := `Topicmap session coordinator.

Verifies tokens with the local hmac verifier (--jwt_secret) or a remote
identity provider (--identity_url). Documents live in postgres (--pg_url)
or in memory for development. With --redis_url, rooms span coordinator
nodes over redis pub/sub.

Usage:
    coordinated serve [--port=<port>]
        [--pg_url=<pg_url>]
        [--redis_url=<redis_url>]
        [--jwt_secret=<jwt_secret>]
        [--identity_url=<identity_url>]
        [--allowed_origin=<origin>...]
        [--ping_interval=<ping_interval>]
        [--ping_timeout=<ping_timeout>]
        [-v...]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --port=<port>                    Listen port [default: 8080].
    --pg_url=<pg_url>                Postgres url. Omitted uses the in-memory store.
    --redis_url=<redis_url>          Redis url for multi-node rooms.
    --jwt_secret=<jwt_secret>        Hmac secret for the local token verifier.
    --identity_url=<identity_url>    Remote identity provider base url.
    --allowed_origin=<origin>        Allowed websocket origin. Repeatable.
    --ping_interval=<ping_interval>  Liveness probe interval [default: 15s].
    --ping_timeout=<ping_timeout>    Liveness probe timeout [default: 10s].
    -v                               Verbose logging.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoordinatedVersion)
	if err != nil {
		panic(err)
	}

	verbosity, _ := opts.Int("-v")
	flag.CommandLine.Parse([]string{})
	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(verbosity))

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port, _ := opts.Int("--port")

	// identity provider init failure is fatal. no degraded mode.
	var provider coordinate.IdentityProvider
	if identityUrl, err := opts.String("--identity_url"); err == nil && identityUrl != "" {
		provider = coordinate.NewApiIdentityProvider(ctx, identityUrl)
	} else if jwtSecret, err := opts.String("--jwt_secret"); err == nil && jwtSecret != "" {
		jwtProvider, err := coordinate.NewJwtIdentityProvider([]byte(jwtSecret))
		if err != nil {
			glog.Fatalf("[d]identity provider init = %s\n", err)
		}
		provider = jwtProvider
	} else {
		glog.Fatalf("[d]one of --jwt_secret or --identity_url is required\n")
	}

	var store coordinate.DocumentStore
	if pgUrl, err := opts.String("--pg_url"); err == nil && pgUrl != "" {
		pgStore, err := coordinate.NewPgStore(ctx, pgUrl)
		if err != nil {
			glog.Fatalf("[d]store init = %s\n", err)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		glog.Infof("[d]using in-memory document store\n")
		store = coordinate.NewMemoryStore()
	}

	local := coordinate.NewLocalBroadcast()
	var roomBroadcast coordinate.SessionBroadcast = local
	if redisUrl, err := opts.String("--redis_url"); err == nil && redisUrl != "" {
		redisOptions, err := redis.ParseURL(redisUrl)
		if err != nil {
			glog.Fatalf("[d]redis url = %s\n", err)
		}
		client := redis.NewClient(redisOptions)
		if err := client.Ping(ctx).Err(); err != nil {
			glog.Fatalf("[d]redis connect = %s\n", err)
		}
		redisBroadcast := coordinate.NewRedisBroadcastWithDefaults(ctx, client, local)
		defer redisBroadcast.Close()
		roomBroadcast = redisBroadcast
	}

	hostSettings := coordinate.DefaultSessionHostSettings()
	if origins, ok := opts["--allowed_origin"].([]string); ok {
		hostSettings.AllowedOrigins = origins
	}
	if pingInterval, err := opts.String("--ping_interval"); err == nil {
		if d, err := time.ParseDuration(pingInterval); err == nil {
			hostSettings.PingInterval = d
		}
	}
	if pingTimeout, err := opts.String("--ping_timeout"); err == nil {
		if d, err := time.ParseDuration(pingTimeout); err == nil {
			hostSettings.PingTimeout = d
		}
	}

	presence := coordinate.NewPresenceRegistry()
	sequencer := coordinate.NewSequencer(ctx)
	rooms := coordinate.NewRoomManager(ctx, store, presence, roomBroadcast, sequencer)
	pipeline := coordinate.NewChangePipeline(ctx, store, presence, roomBroadcast, rooms, sequencer)
	gatekeeper := coordinate.NewGatekeeperWithDefaults(provider)
	host := coordinate.NewSessionHost(ctx, gatekeeper, rooms, pipeline, roomBroadcast, hostSettings)
	defer host.Close()

	router := coordinate.NewApiRouter(ctx, store, provider, host)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		glog.Infof("[d]shutdown\n")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		cancel()
	}()

	glog.Infof("[d]listening on :%d\n", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Fatalf("[d]serve = %s\n", err)
	}
}
