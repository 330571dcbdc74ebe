/******************************************************************************
 *
 *  Description :
 *
 *    Process entry point: configuration, store, singletons, HTTP listener.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/onionchat/onionchat/server/auth"
	"github.com/onionchat/onionchat/server/media"
	"github.com/onionchat/onionchat/server/store"
	_ "github.com/onionchat/onionchat/server/store/postgres"
)

// globals holds the process singletons. Sessions and handlers reach them
// directly; nothing here is replaced after startup.
var globals struct {
	config *Config

	auth *auth.Authenticator

	sessionStore *SessionStore
	presence     *PresenceRegistry
	hub          *Hub

	media *media.FileStore

	previewClient *http.Client
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if isatty() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration failed")
	}
	if level, err := zerolog.ParseLevel(config.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	globals.config = config

	log.Info().Str("addr", config.Addr()).Msg("starting onionchat server")
	log.Info().Bool("overlay", config.TorEnabled).Msg("overlay routing")

	if err := store.Open("postgres", config.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer store.Close()
	log.Info().Msg("connected to database, schema initialized")

	globals.auth = auth.New(config.JWTSecret, config.JWTExpiresIn, config.BcryptCost)
	globals.sessionStore = NewSessionStore()
	globals.presence = NewPresenceRegistry()
	globals.hub = newHub()
	globals.media = media.NewFileStore(config.UploadDir)
	globals.previewClient = &http.Client{
		Timeout: 4 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	log.Info().Str("dir", config.UploadDir).Int64("max_size", config.MaxFileSize).Msg("uploads")
	if config.TorEnabled {
		log.Info().Str("socks", config.TorSocksHost).Int("port", config.TorSocksPort).
			Msg("overlay SOCKS proxy configured")
		if torReachable(config.TorSocksHost, config.TorSocksPort) {
			log.Info().Msg("overlay connection verified")
			if onion := hiddenServiceAddress(config.TorHiddenServiceDir); onion != "" {
				log.Info().Str("hidden_service", onion).Msg("hidden service published")
			}
		} else {
			log.Warn().Msg("overlay is enabled but not reachable")
		}
	}

	if err := listenAndServe(config.Addr(), newMux(), signalHandler()); err != nil {
		log.Fatal().Err(err).Msg("listener failed")
	}
}

// isatty reports whether stderr is a terminal, switching between console
// and JSON log output.
func isatty() bool {
	fi, err := os.Stderr.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
