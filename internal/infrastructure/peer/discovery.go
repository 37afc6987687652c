package peer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
)

// Endpoint is a host found by Browse.
type Endpoint struct {
	Instance string
	PeerID   domain.PeerID
	Address  string // host:port
}

// Discovery announces and finds hosts on the local network.
type Discovery interface {
	// Register announces this device on port until the returned func is
	// called.
	Register(instance string, port int, txt []string) (func(), error)
	// Browse reports hosts to found until ctx is done. It returns once
	// browsing has started.
	Browse(ctx context.Context, found func(Endpoint)) error
}

// ZeroconfDiscovery uses mDNS/DNS-SD.
type ZeroconfDiscovery struct {
	service string
	domain  string
	logger  *zap.SugaredLogger
}

func NewZeroconfDiscovery(service, domain string, logger *zap.SugaredLogger) *ZeroconfDiscovery {
	if domain == "" {
		domain = "local."
	}
	return &ZeroconfDiscovery{service: service, domain: domain, logger: logger}
}

func (d *ZeroconfDiscovery) Register(instance string, port int, txt []string) (func(), error) {
	server, err := zeroconf.Register(instance, d.service, d.domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	d.logger.Infow("mDNS service registered", "instance", instance, "service", d.service, "port", port)
	return server.Shutdown, nil
}

func (d *ZeroconfDiscovery) Browse(ctx context.Context, found func(Endpoint)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("initialize mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if ep, ok := endpointFromEntry(entry); ok {
					d.logger.Debugw("mDNS discovered host", "instance", ep.Instance, "address", ep.Address)
					found(ep)
				}
			}
		}
	}()

	if err := resolver.Browse(ctx, d.service, d.domain, entries); err != nil {
		return fmt.Errorf("browse mDNS services: %w", err)
	}
	return nil
}

func endpointFromEntry(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	if entry == nil || entry.TTL == 0 {
		return Endpoint{}, false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return Endpoint{}, false
	}

	ep := Endpoint{
		Instance: entry.Instance,
		PeerID:   domain.PeerID(entry.Instance),
		Address:  net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
	}
	if id, ok := txtValue(entry.Text, "id"); ok {
		ep.PeerID = domain.PeerID(id)
	}
	return ep, true
}

func txtValue(txt []string, key string) (string, bool) {
	prefix := key + "="
	for _, record := range txt {
		if strings.HasPrefix(record, prefix) {
			return strings.TrimPrefix(record, prefix), true
		}
	}
	return "", false
}
