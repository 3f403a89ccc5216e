package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
	"golang.org/x/exp/slices"
)

const (
	serviceName = "_nettable._tcp"
	domain      = "local."
)

// MDNS announces a hosting node or looks for one on the local network.
type MDNS struct {
	nodeID string
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Announce publishes the hosting node listening on addr (host:port).
// Extra key=value pairs are added to the TXT record.
func Announce(nodeID, addr string, txt ...string) (*MDNS, error) {
	port, err := portOf(addr)
	if err != nil {
		return nil, err
	}
	server, err := zeroconf.Register(nodeID, serviceName, domain, port,
		append([]string{"node=" + nodeID}, txt...), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}
	glog.V(1).Infof("[mdns]announce %s port %d\n", nodeID, port)
	return &MDNS{
		nodeID: nodeID,
		server: server,
		cancel: func() {},
	}, nil
}

// Browse reports the addresses (host:port) of every hosting node it sees,
// other than nodeID itself, until Stop is called.
func Browse(nodeID string, onHost func([]string)) (*MDNS, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	m := &MDNS{
		nodeID: nodeID,
		cancel: cancel,
	}

	m.wg.Add(1)
	go m.browseLoop(entries, onHost)

	if err := resolver.Browse(ctx, serviceName, domain, entries); err != nil {
		cancel()
		m.wg.Wait()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	return m, nil
}

func (m *MDNS) browseLoop(entries <-chan *zeroconf.ServiceEntry, onHost func([]string)) {
	defer m.wg.Done()
	for entry := range entries {
		if m.isSelf(entry) {
			continue
		}
		addrs := HostAddrs(entry)
		if len(addrs) == 0 {
			continue
		}
		glog.V(1).Infof("[mdns]found %s %s\n", entry.Instance, strings.Join(addrs, ","))
		onHost(addrs)
	}
}

// HostAddrs lists the dialable addresses of a service entry, IPv4 first.
func HostAddrs(entry *zeroconf.ServiceEntry) []string {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	return addrs
}

func (m *MDNS) isSelf(entry *zeroconf.ServiceEntry) bool {
	return slices.Contains(entry.Text, "node="+m.nodeID)
}

// Stop withdraws the announcement or ends the browse.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	if m.server != nil {
		m.server.Shutdown()
	}
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("discovery: invalid addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("discovery: invalid port: %w", err)
	}
	return port, nil
}
