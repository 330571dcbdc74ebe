/******************************************************************************
 *
 *  Description :
 *
 *  Graceful shutdown of the server.
 *
 *****************************************************************************/

package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is
		sig := <-signchan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		stop <- true
	}()

	return stop
}

func listenAndServe(addr string, handler http.Handler, stop <-chan bool) error {
	shuttingDown := false

	httpdone := make(chan bool)

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  requestTimeout,
		WriteTimeout: 0, // long-lived websocket responses
		IdleTimeout:  2 * requestTimeout,
	}
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return err
	}

	go func() {
		err = server.Serve(tcpGracefulListener{ln.(*net.TCPListener)})
		if shuttingDown {
			// Clear the error because this is not a failure
			err = nil
			log.Info().Msg("HTTP server stopped")
		}
		httpdone <- true
	}()

	// Wait for either a termination signal or an error
loop:
	for {
		select {
		case <-stop:
			// Close the Accept-ing socket so no new connections are possible
			shuttingDown = true
			ln.Close()

			// Wait for the http server to stop Accept()-ing connections
			<-httpdone

			// Terminate all sessions
			globals.sessionStore.Shutdown()

			// Shut down the hub
			hubdone := make(chan bool)
			globals.hub.shutdown <- hubdone
			<-hubdone

			break loop

		case <-httpdone:
			break loop
		}
	}
	return err
}

// tcpGracefulListener wraps the TCP listener to set keep-alives on accepted
// connections while retaining access to Close().
type tcpGracefulListener struct {
	*net.TCPListener
}

func (ln tcpGracefulListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
