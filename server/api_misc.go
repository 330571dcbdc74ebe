/******************************************************************************
 *
 *  Description :
 *
 *    REST surface: overlay status and link preview.
 *
 *****************************************************************************/

package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	t "github.com/onionchat/onionchat/server/store/types"
)

// torCheckAddr is the well-known host dialed through the SOCKS proxy to
// verify overlay reachability.
const torCheckAddr = "check.torproject.org:80"

const torCheckTimeout = 10 * time.Second

// handleTorStatus reports the overlay configuration and live reachability.
func handleTorStatus(w http.ResponseWriter, r *http.Request) {
	cfg := globals.config
	status := map[string]interface{}{
		"enabled":    cfg.TorEnabled,
		"connected":  false,
		"socks_host": cfg.TorSocksHost,
		"socks_port": cfg.TorSocksPort,
	}
	if cfg.TorEnabled {
		status["connected"] = torReachable(cfg.TorSocksHost, cfg.TorSocksPort)
		if onion := hiddenServiceAddress(cfg.TorHiddenServiceDir); onion != "" {
			status["hidden_service"] = onion
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// torReachable dials a well-known address through the SOCKS proxy.
func torReachable(host string, port int) bool {
	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", host, port),
		nil, &net.Dialer{Timeout: torCheckTimeout})
	if err != nil {
		return false
	}
	conn, err := dialer.Dial("tcp", torCheckAddr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// hiddenServiceAddress reads the published onion hostname, trying the
// common layouts of the hidden service directory.
func hiddenServiceAddress(dir string) string {
	for _, path := range []string{
		filepath.Join(dir, "service1", "hostname"),
		filepath.Join(dir, "hostname"),
	} {
		if content, err := os.ReadFile(path); err == nil {
			if onion := strings.TrimSpace(string(content)); onion != "" {
				return onion
			}
		}
	}
	return ""
}

// handleLinkPreview fetches OpenGraph metadata for a URL on behalf of the
// client.
func handleLinkPreview(w http.ResponseWriter, r *http.Request, user *t.User) {
	if !globals.config.EnableLinkPreview {
		writeError(w, r, errNotFound("Link preview is disabled"))
		return
	}
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, r, errBadRequest("url parameter is required"))
		return
	}

	preview, err := fetchLinkPreview(rawURL)
	if err != nil {
		writeError(w, r, errBadRequest("Failed to fetch link preview"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"preview": preview})
}
