package commands

import (
	"context"
	"net"
	"net/http"

	"wsrelay/config"
	"wsrelay/datastore/leveldb"
	"wsrelay/discovery/mdns"
	"wsrelay/net/dispatch"
	"wsrelay/net/envelope"
	"wsrelay/net/wsconn"
	"wsrelay/relay"

	"golang.org/x/sync/errgroup"
)

func RunServe(ctx context.Context, cfg *config.Config) {
	log.Infof("Starting relay...")

	// Peer history
	ledger, err := leveldb.NewLedger(cfg.DataStore.LedgerPath)
	if err != nil {
		log.Fatalf("Failed to open peer ledger: %v", err)
	}
	defer ledger.Close()

	// Create the listener. Failing to bind is fatal
	l, err := net.Listen("tcp", cfg.Relay.ListenAddress)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Relay.ListenAddress, err)
	}

	connOpts := wsconn.Options{
		SendQueue:      cfg.Relay.SendQueue,
		WriteWait:      cfg.Relay.WriteWait.Duration(),
		PongWait:       cfg.Relay.PongWait.Duration(),
		MaxMessageSize: cfg.Relay.MaxMessageSize,
	}

	// Create the relay
	r := relay.New(relay.Options{
		Port:         l.Addr().(*net.TCPAddr).Port,
		Broadcast:    cfg.Relay.Broadcast,
		ProbePeriod:  cfg.Relay.ProbePeriod.Duration(),
		InboundQueue: cfg.Relay.InboundQueue,
		Ledger:       ledger,
	})
	registerExampleHandlers(r)

	srv := wsconn.NewServer(l, cfg.Relay.Path, func(c *wsconn.Conn) { r.ServeConn(c) }, connOpts)
	srv.Router().Handle("/status", r.StatusHandler()).Methods(http.MethodGet)
	srv.Router().Handle("/metrics", r.Metrics().Handler()).Methods(http.MethodGet)

	// Advertise on the local network
	if cfg.Discovery.UseMDNS {
		adv, err := mdns.Advertise(cfg.Discovery.Name, srv.Port())
		if err != nil {
			log.Errorf("Failed to advertise relay over mDNS: %v", err)
		} else {
			defer adv.Close()
		}
	}

	log.Infof("Relay %s serving ws://%s%s", r.Server().ID, srv.Addr(), cfg.Relay.Path)

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return srv.Serve(cctx)
	})

	wg.Go(func() error {
		return r.Run(cctx)
	})

	if err := wg.Wait(); err != nil {
		log.Errorf("Relay stopped: %v", err)
		return
	}
	log.Infof("Relay stopped")
}

// Handlers for the messages the example peers exchange
func registerExampleHandlers(r *relay.Relay) {
	r.HandleFunc("say", func(origin dispatch.Origin, env *envelope.Envelope) {
		var p struct {
			Text string `json:"text"`
		}
		if err := env.DecodeParams(&p); err != nil {
			log.Warnf("say: %v", err)
			return
		}
		log.Infof("say from %s: %s", origin.RemoteAddr(), p.Text)
	})

	r.HandleFunc("set-background-color", func(origin dispatch.Origin, env *envelope.Envelope) {
		var p struct {
			Color string `json:"color"`
		}
		if err := env.DecodeParams(&p); err != nil {
			log.Warnf("set-background-color: %v", err)
			return
		}
		log.Infof("set-background-color from %s: %s", origin.RemoteAddr(), p.Color)
	})
}
