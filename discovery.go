package nightbeam

import (
	"fmt"
	"net"
	"strings"

	"github.com/pion/mdns/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// AnnouncerConfig configures LAN discovery for the host.
type AnnouncerConfig struct {
	// Instance is the advertised host name. It is normalized to a
	// ".local" mDNS name.
	Instance string

	Logger *logrus.Logger
}

// Announcer advertises the host on the local network over mDNS so clients
// can find it without configured addresses.
type Announcer struct {
	name   string
	server *mdns.Conn
	log    *logrus.Logger
}

// StartAnnouncer binds the mDNS multicast group and starts answering
// queries for the host name.
func StartAnnouncer(config AnnouncerConfig) (*Announcer, error) {
	if config.Instance == "" {
		return nil, fmt.Errorf("empty instance name")
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	name := config.Instance
	if !strings.HasSuffix(name, ".local") {
		name += ".local"
	}

	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mdns address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind mdns socket: %w", err)
	}

	server, err := mdns.Server(ipv4.NewPacketConn(conn), nil, &mdns.Config{
		LocalNames:    []string{name},
		LoggerFactory: &pionLoggerFactory{log: config.Logger},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start mdns server: %w", err)
	}

	config.Logger.WithField("name", name).Info("mdns announcer started")
	return &Announcer{name: name, server: server, log: config.Logger}, nil
}

// Name returns the advertised mDNS name.
func (a *Announcer) Name() string {
	return a.name
}

// Close stops answering mDNS queries.
func (a *Announcer) Close() error {
	return a.server.Close()
}
