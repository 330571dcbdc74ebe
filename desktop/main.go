/******************************************************************************
 *
 *  Description :
 *
 *    Desktop shell. Persists the server URL and bearer token, detects
 *    overlay-addressable servers and routes every request through the
 *    embedded bridge's local SOCKS5 proxy.
 *
 *****************************************************************************/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"

	"github.com/onionchat/onionchat/tor"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	serverFlag := flag.String("server", "", "chat server URL (persisted)")
	flag.Usage = usage
	flag.Parse()

	settings, err := loadSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("settings load failed")
	}
	if *serverFlag != "" {
		settings.ServerURL = *serverFlag
		if err := settings.save(); err != nil {
			log.Fatal().Err(err).Msg("settings save failed")
		}
	}
	if settings.ServerURL == "" {
		usage()
		os.Exit(1)
	}

	app := &shell{settings: settings}
	if err := app.connect(); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	defer app.shutdown()

	switch flag.Arg(0) {
	case "", "status":
		err = app.status()
	case "login":
		if flag.NArg() < 3 {
			usage()
			os.Exit(1)
		}
		err = app.login(flag.Arg(1), flag.Arg(2))
	case "logout":
		err = app.logout()
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: onionchat-desktop [-server URL] [command]

Commands:
  status            show server health and overlay status (default)
  login USER PASS   obtain and persist a bearer token
  logout            drop the persisted token
`)
}

// shell carries the resolved server URL, the HTTP client and, for overlay
// servers, the running bridge.
type shell struct {
	settings *Settings
	baseURL  string
	client   *http.Client
	bridge   *tor.Manager
}

// connect decides how to reach the server. Overlay-addressable URLs are
// normalized to http:// and routed through the bridge proxy; everything
// else uses a plain client.
func (s *shell) connect() error {
	s.baseURL = s.settings.ServerURL
	if !tor.IsOnionURL(s.baseURL) {
		s.client = &http.Client{Timeout: 30 * time.Second}
		return nil
	}

	s.baseURL = tor.NormalizeOnionURL(s.baseURL)
	log.Info().Str("url", s.baseURL).Msg("overlay server detected, bootstrapping bridge")

	dataDir, err := bridgeDataDir()
	if err != nil {
		return err
	}
	s.bridge = tor.NewManager(dataDir)

	// Report bootstrap progress while it comes up.
	go func() {
		for status := range s.bridge.StatusChan() {
			switch status.State {
			case tor.StateBootstrapping:
				log.Info().Int("pct", status.Progress).Msg("bootstrapping overlay")
			case tor.StateConnected:
				log.Info().Int("port", status.Port).Msg("overlay connected")
				return
			case tor.StateError:
				log.Error().Str("err", status.Err).Msg("overlay bootstrap failed")
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	port, err := s.bridge.Bootstrap(ctx)
	if err != nil {
		return err
	}

	socks, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", port), nil, proxy.Direct)
	if err != nil {
		return err
	}
	s.client = &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			Dial: socks.Dial,
		},
	}
	return nil
}

func (s *shell) shutdown() {
	if s.bridge != nil {
		s.bridge.Stop()
	}
}

// get issues an authenticated GET and decodes the JSON reply into out.
func (s *shell) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	if s.settings.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.settings.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// status prints server health and overlay state.
func (s *shell) status() error {
	parsed, err := url.Parse(s.baseURL)
	if err != nil {
		return err
	}
	fmt.Printf("server:  %s\n", parsed.Host)

	req, err := http.NewRequest(http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	resp.Body.Close()
	fmt.Printf("health:  %s\n", resp.Status)

	var torStatus map[string]interface{}
	if err := s.get("/api/tor-status", &torStatus); err == nil {
		fmt.Printf("overlay: enabled=%v connected=%v\n",
			torStatus["enabled"], torStatus["connected"])
		if onion, ok := torStatus["hidden_service"]; ok {
			fmt.Printf("hidden:  %v\n", onion)
		}
	}

	if s.settings.Token != "" {
		var me struct {
			User struct {
				Username string `json:"username"`
			} `json:"user"`
		}
		if err := s.get("/api/auth/me", &me); err != nil {
			fmt.Println("session: token invalid or expired")
		} else {
			fmt.Printf("session: signed in as %s\n", me.User.Username)
		}
	} else {
		fmt.Println("session: not signed in")
	}
	return nil
}

// login obtains a bearer token and persists it.
func (s *shell) login(username, password string) error {
	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	resp, err := s.client.Post(s.baseURL+"/api/auth/login", "application/json",
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("login: %s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	var reply struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return err
	}
	s.settings.Token = reply.Token
	if err := s.settings.save(); err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", username)
	return nil
}

// logout drops the persisted token.
func (s *shell) logout() error {
	s.settings.Token = ""
	if err := s.settings.save(); err != nil {
		return err
	}
	fmt.Println("signed out")
	return nil
}
