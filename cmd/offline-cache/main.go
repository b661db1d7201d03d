package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	offlinecache "github.com/didit-app/offline-cache"
	"github.com/didit-app/offline-cache/cache"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// envOptions are environment overrides applied on top of CLI flags.
type envOptions struct {
	Origin string `env:"DIDIT_ORIGIN"`
	Port   int    `env:"DIDIT_PORT"`
	DB     string `env:"DIDIT_DB"`
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to rotating logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   logFilenameFlag,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var envOpts envOptions
	if err := env.Parse(&envOpts); err != nil {
		log.Fatal().Err(err).Msg("Could not parse environment")
	}
	if envOpts.Origin != "" {
		originFlag = envOpts.Origin
	}
	if envOpts.Port != 0 {
		portFlag = envOpts.Port
	}
	if envOpts.DB != "" {
		dbFilenameFlag = envOpts.DB
	}

	agentConfig := offlinecache.Config{
		Logger: &log.Logger,
	}

	if configFilenameFlag != "" {
		config, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		if originFlag == "" {
			originFlag = config.Origin
		}
		if config.Port != 0 {
			portFlag = config.Port
		}
		agentConfig.Version = config.Version
		agentConfig.Shell = config.Shell
		agentConfig.APIPrefix = config.APIPrefix
		agentConfig.FallbackPath = config.Fallback
	}

	// set up sqlite provider
	dbFilename := dbFilenameFlag
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	agentConfig.Cache = cache.NewSQLiteCache(dbFilename)

	// get the downstream server address
	if originFlag != "" {
		originUrl, err := url.Parse(originFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		agentConfig.OriginURL = *originUrl
	} else if addrFlag != "" {
		originUrl, err := url.Parse("https://" + addrFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		agentConfig.OriginURL = *originUrl
		agentConfig.OriginHost = hostFlag
	} else {
		log.Fatal().Msg("Please specify origin")
	}

	agent := offlinecache.New(agentConfig)
	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", portFlag, agentConfig.OriginURL.String(), agentConfig.OriginHost)
	if err := agent.Run(context.Background(), fmt.Sprintf(":%d", portFlag)); err != nil {
		log.Fatal().Err(err).Msg("Agent stopped")
	}
}
