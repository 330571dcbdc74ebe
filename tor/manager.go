/******************************************************************************
 *
 *  Description :
 *
 *    Lifecycle of the embedded overlay client:
 *
 *      STOPPED -> BOOTSTRAPPING(pct) -> CONNECTED{proxy port} -> STOPPED
 *      BOOTSTRAPPING -> ERROR(msg)
 *
 *    While connected, a loopback SOCKS5 listener relays local streams
 *    through the overlay circuit.
 *
 *****************************************************************************/

package tor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/rs/zerolog/log"
)

// State of the bridge.
type State int

// Bridge states.
const (
	StateStopped State = iota
	StateBootstrapping
	StateConnected
	StateError
)

// Status is one update on the status channel: Bootstrapping(pct) updates,
// then exactly one of Connected{Port} or Error{Err}.
type Status struct {
	State    State
	Progress int
	Port     int
	Err      string
}

// statusChanLen bounds the status channel; sends never block, so a reader
// that went away cannot wedge the bootstrap.
const statusChanLen = 64

// overlay is the running overlay client: a dialer plus its closer.
type overlay struct {
	dialer Dialer
	closer io.Closer
}

// startOverlayFunc bootstraps the overlay client, reporting progress
// percentages through the callback. Replaceable in tests.
type startOverlayFunc func(ctx context.Context, dataDir string, progress func(pct int)) (*overlay, error)

// Manager owns the overlay client and the SOCKS5 bridge listener.
type Manager struct {
	mu sync.Mutex

	state State
	port  int

	dataDir string

	status chan Status

	ov *overlay
	ln net.Listener

	// Overlay startup, swapped for a stub in tests.
	startOverlay startOverlayFunc
}

// NewManager returns a stopped Manager keeping overlay state under dataDir
// (circuit caches live in its cache/ subdirectory).
func NewManager(dataDir string) *Manager {
	return &Manager{
		dataDir:      dataDir,
		status:       make(chan Status, statusChanLen),
		startOverlay: startEmbeddedTor,
	}
}

// StatusChan streams lifecycle updates. Single producer; the channel is
// buffered and sends are non-blocking, so dropped readers are harmless.
func (m *Manager) StatusChan() <-chan Status {
	return m.status
}

// CurrentState returns the bridge state and, when connected, the proxy port.
func (m *Manager) CurrentState() (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.port
}

func (m *Manager) emit(s Status) {
	select {
	case m.status <- s:
	default:
	}
}

// Bootstrap brings the overlay client up and starts the proxy listener.
// Returns the proxy port. Idempotent: when already connected, the existing
// port is returned immediately. A bootstrap failure is terminal for the
// attempt; the manager moves to StateError and a later call may retry.
func (m *Manager) Bootstrap(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.state == StateConnected {
		port := m.port
		m.mu.Unlock()
		return port, nil
	}
	if m.state == StateBootstrapping {
		m.mu.Unlock()
		return 0, errors.New("tor: bootstrap already in progress")
	}
	m.state = StateBootstrapping
	m.mu.Unlock()

	m.emit(Status{State: StateBootstrapping, Progress: 0})

	ov, err := m.startOverlay(ctx, m.dataDir, func(pct int) {
		m.emit(Status{State: StateBootstrapping, Progress: pct})
	})
	if err != nil {
		return 0, m.fail(fmt.Errorf("tor: bootstrap: %w", err))
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		ov.closer.Close()
		return 0, m.fail(fmt.Errorf("tor: bind proxy listener: %w", err))
	}
	port := ln.Addr().(*net.TCPAddr).Port

	m.mu.Lock()
	m.state = StateConnected
	m.port = port
	m.ov = ov
	m.ln = ln
	m.mu.Unlock()

	go m.acceptLoop(ln, ov.dialer)

	log.Info().Int("port", port).Msg("tor: SOCKS5 bridge listening on loopback")
	m.emit(Status{State: StateConnected, Progress: 100, Port: port})
	return port, nil
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.state = StateError
	m.mu.Unlock()
	log.Error().Err(err).Msg("tor: bootstrap failed")
	m.emit(Status{State: StateError, Err: err.Error()})
	return err
}

// acceptLoop serves proxy connections until the listener closes.
// Per-connection failures are logged and do not affect the listener.
func (m *Manager) acceptLoop(ln net.Listener, dialer Dialer) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := handleSocks5(context.Background(), conn, dialer); err != nil {
				log.Warn().Err(err).Msg("tor: proxy connection")
			}
		}()
	}
}

// Stop tears the listener and the overlay client down.
func (m *Manager) Stop() {
	m.mu.Lock()
	ln, ov := m.ln, m.ov
	m.ln, m.ov = nil, nil
	m.state = StateStopped
	m.port = 0
	m.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if ov != nil {
		ov.closer.Close()
	}
	m.emit(Status{State: StateStopped})
}

// bootstrapProgressRe extracts the PROGRESS field of the controller's
// status/bootstrap-phase reply.
var bootstrapProgressRe = regexp.MustCompile(`PROGRESS=(\d+)`)

// startEmbeddedTor launches the overlay client via its control port and
// waits for the circuit to be usable, polling bootstrap progress while it
// comes up.
func startEmbeddedTor(ctx context.Context, dataDir string, progress func(pct int)) (*overlay, error) {
	cacheDir := filepath.Join(dataDir, "cache")
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	client, err := tor.Start(ctx, &tor.StartConf{
		DataDir:   dataDir,
		ExtraArgs: []string{"--CacheDirectory", cacheDir},
		// Network is enabled explicitly below so progress can be observed.
		EnableNetwork: false,
	})
	if err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}

	// Poll the controller for bootstrap percentage until EnableNetwork
	// returns.
	pollDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pollDone:
				return
			case <-ticker.C:
				kv, err := client.Control.GetInfo("status/bootstrap-phase")
				if err != nil || len(kv) == 0 {
					continue
				}
				if match := bootstrapProgressRe.FindStringSubmatch(kv[0].Val); match != nil {
					if pct, err := strconv.Atoi(match[1]); err == nil {
						progress(clampPct(pct))
					}
				}
			}
		}
	}()

	err = client.EnableNetwork(ctx, true)
	close(pollDone)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("enable network: %w", err)
	}
	progress(100)

	dialer, err := client.Dialer(ctx, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("dialer: %w", err)
	}

	return &overlay{dialer: dialer, closer: client}, nil
}

func clampPct(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
