// Package mdns advertises a relay on the local network and lets peers find one
// when no relay URL is configured.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/betamos/zeroconf"

	log "github.com/sirupsen/logrus"
)

const ServiceType = "_wsrelay._tcp"

var ErrNoRelay = errors.New("mdns: no relay found")

// Relay is a relay discovered on the local network.
type Relay struct {
	Name string
	Addr string // host:port
	Port int
}

// URL returns the WebSocket URL of the relay for the given path, e.g. /ws.
func (r Relay) URL(path string) string {
	return "ws://" + r.Addr + path
}

type Advertiser struct {
	client *zeroconf.Client
}

// Advertise publishes the relay under name until Close is called.
func Advertise(name string, port int) (*Advertiser, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("mdns: invalid port %d", port)
	}

	svc := zeroconf.NewService(zeroconf.NewType(ServiceType), name, uint16(port))
	client, err := zeroconf.New().Publish(svc).Open()
	if err != nil {
		return nil, fmt.Errorf("mdns: publishing %s: %w", name, err)
	}

	log.Infof("mdns: advertising %s as %s on port %d", name, ServiceType, port)
	return &Advertiser{client: client}, nil
}

func (a *Advertiser) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Find browses the local network and returns the first relay that answers.
func Find(ctx context.Context) (Relay, error) {
	found := make(chan Relay, 1)

	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			addr := pickAddr(e.Addrs, e.Port)
			if addr == "" {
				return
			}
			select {
			case found <- Relay{Name: e.Name, Addr: addr, Port: int(e.Port)}:
			default:
			}
		}, zeroconf.NewType(ServiceType)).
		Open()
	if err != nil {
		return Relay{}, fmt.Errorf("mdns: browsing: %w", err)
	}
	defer client.Close()

	select {
	case r := <-found:
		log.Infof("mdns: found relay %s at %s", r.Name, r.Addr)
		return r, nil
	case <-ctx.Done():
		return Relay{}, fmt.Errorf("%w: %v", ErrNoRelay, ctx.Err())
	}
}

// pickAddr returns host:port for the first IPv4 address, or the first valid one.
func pickAddr(addrs []netip.Addr, port uint16) string {
	var fallback netip.Addr
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if a.Is4() || a.Is4In6() {
			return net.JoinHostPort(a.Unmap().String(), strconv.Itoa(int(port)))
		}
		if !fallback.IsValid() {
			fallback = a
		}
	}
	if !fallback.IsValid() {
		return ""
	}
	return net.JoinHostPort(fallback.String(), strconv.Itoa(int(port)))
}
