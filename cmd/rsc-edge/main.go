package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	rscedge "github.com/always-cache/rsc-edge"
	"github.com/always-cache/rsc-edge/cache"
	"github.com/always-cache/rsc-edge/config"
	"github.com/always-cache/rsc-edge/normalize"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	adminPortFlag      int
	originFlag         string
	addrFlag           string
	hostFlag           string
	storeFlag          string
	dbFilenameFlag     string
	paramFlag          string
	sentinelFlag       string
	noNormalizeFlag    bool
	legacyModeFlag     bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&adminPortFlag, "admin-port", 9090, "Port for health, metrics and purging (0 to disable)")
	flag.StringVar(&storeFlag, "store", "sqlite", "Cache store: sqlite, memory or redis")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&paramFlag, "param", "", "Query parameter to normalize (default _rsc)")
	flag.StringVar(&sentinelFlag, "sentinel", "", "Value to normalize the parameter to (default 1)")
	flag.BoolVar(&noNormalizeFlag, "no-normalize", false, "Do not normalize queries")
	flag.BoolVar(&legacyModeFlag, "legacy", false, "Legacy mode: do not update, only invalidate if needed")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()
	setupLogging()

	conf, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&conf)

	originURL, err := conf.OriginURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Please specify origin")
	}
	normalizer, err := conf.Normalizer()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid normalization rules")
	}
	store, err := cache.Open(conf.Store)
	if err != nil {
		log.Fatal().Err(err).Str("store", conf.Store.Provider).Msg("Could not open cache")
	}
	defer store.Close()

	edge, err := rscedge.CreateEdge(rscedge.Config{
		Cache:                store,
		OriginURL:            *originURL,
		OriginHost:           conf.Host,
		Logger:               &log.Logger,
		Normalizer:           normalizer,
		DisableNormalization: conf.DisableNormalization,
		ResponseModifier:     conf.Rules.Apply,
		DisableUpdates:       conf.DisableUpdates,
		RefreshWindow:        conf.RefreshWindow,
		RefreshRate:          conf.RefreshRate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create edge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go edge.Run(ctx)

	servers := []*http.Server{{
		Addr:    fmt.Sprintf(":%d", conf.Port),
		Handler: accessLog(edge),
	}}
	if conf.AdminPort > 0 {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.AdminPort),
			Handler: rscedge.AdminRouter(edge),
		})
	}

	log.Info().
		Strs("normalize", paramNames(normalizer.Rules())).
		Bool("normalization", !conf.DisableNormalization).
		Msgf("Proxying port %v to %s (with hostname '%s')", conf.Port, originURL.String(), conf.Host)

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}(srv)
	}

	select {
	case err := <-errs:
		log.Error().Err(err).Msg("Server failed")
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx)
	}
}

func setupLogging() {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

// applyFlags overrides the loaded config with flags given on the command line.
func applyFlags(conf *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			conf.Origin = originFlag
		case "addr":
			if originFlag == "" {
				conf.Origin = (&url.URL{Scheme: "https", Host: addrFlag}).String()
			}
		case "host":
			conf.Host = hostFlag
		case "port":
			conf.Port = portFlag
		case "admin-port":
			conf.AdminPort = adminPortFlag
		case "store":
			conf.Store.Provider = storeFlag
		case "db":
			conf.Store.Path = dbFilenameFlag
			if dbFilenameFlag == "memory" {
				conf.Store.Path = ""
			}
		case "no-normalize":
			conf.DisableNormalization = noNormalizeFlag
		case "legacy":
			conf.DisableUpdates = legacyModeFlag
		}
	})
	if paramFlag != "" || sentinelFlag != "" {
		conf.SetRule(paramFlag, sentinelFlag)
	}
}

func accessLog(next http.Handler) http.Handler {
	h := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Access")
	})(next)
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	return hlog.NewHandler(log.Logger)(h)
}

func paramNames(rules []normalize.Rule) []string {
	names := make([]string, len(rules))
	for i, rule := range rules {
		names[i] = rule.Param
	}
	return names
}
