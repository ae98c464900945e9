package wsconn

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// Server accepts WebSocket connections on path and hands each one to the
// handler. The handler runs on its own goroutine; the connection is closed
// once it returns. Other routes can be added through Router.
type Server struct {
	listener net.Listener
	router   *mux.Router
	upgrader websocket.Upgrader
	opts     Options
	handler  func(*Conn)
}

func NewServer(listener net.Listener, path string, handler func(*Conn), opts Options) *Server {
	srv := &Server{
		listener: listener,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are not authenticated, any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:    opts.withDefaults(),
		handler: handler,
	}
	srv.router.Handle(path, srv).Methods(http.MethodGet)
	return srv
}

func (srv *Server) Router() *mux.Router {
	return srv.router
}

func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Port returns the TCP port the server listens on, or 0 if unknown.
func (srv *Server) Port() int {
	if a, ok := srv.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// ServeHTTP upgrades the request and runs the connection handler.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		log.Warnf("wsconn.Server: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws, srv.opts)
	log.Infof("wsconn.Server: accepted connection %d from %s", c.ID(), c.RemoteAddr())
	defer c.Close()

	srv.handler(c)
}

// Serve runs the HTTP server until ctx is cancelled. Hijacked WebSocket
// connections are not closed here; their owner closes them.
func (srv *Server) Serve(ctx context.Context) error {
	hs := &http.Server{
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Infof("wsconn.Server: context cancelled, shutting down listener %s", srv.listener.Addr())
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			log.Warnf("wsconn.Server: error shutting down %s: %v", srv.listener.Addr(), err)
		}
	}()

	log.Infof("wsconn.Server: listening on %s", srv.listener.Addr())
	err := hs.Serve(srv.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	log.Errorf("wsconn.Server: critical serve error on %s: %v. Server stopping.", srv.listener.Addr(), err)
	return err
}
