package commands

import (
	"context"
	"time"

	"wsrelay/client"
	"wsrelay/config"
	"wsrelay/discovery/mdns"
	"wsrelay/helper/timer"
	"wsrelay/net/dispatch"
	"wsrelay/net/envelope"
	"wsrelay/net/wsconn"

	"golang.org/x/sync/errgroup"
)

const discoveryTimeout = 10 * time.Second

// RunPeer connects an example peer to the relay and says hello periodically.
func RunPeer(ctx context.Context, cfg *config.Config) {
	url := cfg.Peer.RelayURL
	if url == "" {
		if !cfg.Discovery.UseMDNS {
			log.Fatalf("No relay URL configured and mDNS discovery is disabled")
		}

		dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		found, err := mdns.Find(dctx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to discover a relay: %v", err)
		}
		url = found.URL(cfg.Relay.Path)
	}

	c, err := client.Dial(ctx, url, client.Options{
		Host: cfg.Peer.Host,
		Port: cfg.Peer.Port,
		Conn: wsconn.Options{
			SendQueue:      cfg.Relay.SendQueue,
			WriteWait:      cfg.Relay.WriteWait.Duration(),
			PongWait:       cfg.Relay.PongWait.Duration(),
			MaxMessageSize: cfg.Relay.MaxMessageSize,
		},
	})
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", url, err)
	}
	defer c.Close()

	log.Infof("Connected to %s as %s", url, c.Identity().ID)

	c.HandleFunc("say", func(origin dispatch.Origin, env *envelope.Envelope) {
		var p struct {
			Text string `json:"text"`
		}
		if err := env.DecodeParams(&p); err != nil {
			log.Warnf("say: %v", err)
			return
		}
		log.Infof("Someone says: %s", p.Text)
	})

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return c.Run(cctx)
	})

	if cfg.Peer.SayInterval > 0 {
		wg.Go(func() error {
			select {
			case <-c.Accepted():
			case <-cctx.Done():
				return nil
			}

			interval := &timer.Interval{
				Duration: cfg.Peer.SayInterval.Duration(),
			}
			err := timer.RunWithTicker(cctx, nil, interval, func(ctx context.Context) error {
				return c.Send("say", map[string]string{"text": "hello from " + c.Identity().ID.String()})
			})
			if cctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if err := wg.Wait(); err != nil {
		log.Errorf("Peer stopped: %v", err)
		return
	}
	log.Infof("Peer stopped")
}
