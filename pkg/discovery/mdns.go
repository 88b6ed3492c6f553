package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// MDNSAdvertiser implements Advertiser using zeroconf.
type MDNSAdvertiser struct {
	config AdvertiserConfig

	mu      sync.Mutex
	servers map[string]*zeroconf.Server // keyed by instance
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) *MDNSAdvertiser {
	return &MDNSAdvertiser{
		config:  config,
		servers: make(map[string]*zeroconf.Server),
	}
}

// Advertise announces info, replacing an earlier announcement of the same
// instance. The announcement is withdrawn when ctx is done.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, info *BridgeInfo) error {
	if err := ValidateInstanceName(info.Instance); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if server, ok := a.servers[info.Instance]; ok {
		server.Shutdown()
		delete(a.servers, info.Instance)
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		info.Instance,
		ServiceTypeBridge,
		Domain,
		info.Port,
		TXTRecordsToStrings(info.TXT()),
		interfaces(a.config.Interface),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register bridge service: %w", err)
	}
	a.servers[info.Instance] = server

	go func() {
		<-ctx.Done()
		a.stop(info.Instance, server)
	}()
	return nil
}

func (a *MDNSAdvertiser) stop(instance string, server *zeroconf.Server) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.servers[instance] == server {
		server.Shutdown()
		delete(a.servers, instance)
	}
}

// StopAll withdraws every announcement.
func (a *MDNSAdvertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for instance, server := range a.servers {
		server.Shutdown()
		delete(a.servers, instance)
	}
}

// MDNSBrowser implements Browser using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig

	mu      sync.Mutex
	stopped bool
	cancels []context.CancelFunc
}

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	if config.ServiceType == "" {
		config.ServiceType = ServiceTypeNT4
	}
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = BrowseTimeout
	}
	return &MDNSBrowser{config: config}
}

// Browse searches for servers. Entries are aggregated by instance name so
// addresses from multiple interfaces end up on a single Server.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *Server, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	out := make(chan *Server)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)
		seen := newTracker()

		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if svc, isNew := seen.add(entryToServer(entry)); isNew {
					select {
					case out <- svc:
					case <-ctx.Done():
						return
					}
				}

			case entry, ok := <-removed:
				if !ok {
					continue
				}
				seen.remove(entry.Instance, entryAddresses(entry))

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, b.config.ServiceType, Domain, entries, removed, b.browserOptions()...)
	}()

	return out, nil
}

// Find returns the first server found.
func (b *MDNSBrowser) Find(ctx context.Context) (*Server, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	select {
	case svc, ok := <-results:
		if !ok {
			return nil, ErrNotFound
		}
		return svc, nil
	case <-ctx.Done():
		return nil, ErrNotFound
	}
}

// FindAll collects servers until ctx or the browse timeout expires. An
// empty result is not an error.
func (b *MDNSBrowser) FindAll(ctx context.Context) ([]*Server, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	found := []*Server{}
	for svc := range results {
		found = append(found, svc)
	}
	return found, nil
}

// Stop stops all active browsing operations.
func (b *MDNSBrowser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
}

func (b *MDNSBrowser) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.config.BrowseTimeout)
}

func (b *MDNSBrowser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	return opts
}

// interfaces returns nil (all interfaces) unless name selects one.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

func entryToServer(entry *zeroconf.ServiceEntry) *Server {
	return &Server{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: entryAddresses(entry),
		TXT:       StringsToTXTRecords(entry.Text),
	}
}

func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	ips := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)
	return ipStrings(ips)
}

func ipStrings(ips []net.IP) []string {
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs
}

// tracker aggregates browse results by instance name.
type tracker struct {
	services map[string]*Server
}

func newTracker() *tracker {
	return &tracker{services: make(map[string]*Server)}
}

// add records svc. It returns the tracked server and whether it is new.
func (t *tracker) add(svc *Server) (*Server, bool) {
	if existing, ok := t.services[svc.Instance]; ok {
		existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
		return existing, false
	}
	t.services[svc.Instance] = svc
	return svc, true
}

// remove drops addrs from instance and forgets it once none remain.
func (t *tracker) remove(instance string, addrs []string) {
	existing, ok := t.services[instance]
	if !ok {
		return
	}
	existing.Addresses = removeAddresses(existing.Addresses, addrs)
	if len(existing.Addresses) == 0 {
		delete(t.services, instance)
	}
}

// mergeAddresses adds new addresses to existing, avoiding duplicates.
func mergeAddresses(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range add {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

func removeAddresses(addresses, drop []string) []string {
	toRemove := make(map[string]bool, len(drop))
	for _, a := range drop {
		toRemove[a] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}

var (
	_ Advertiser = (*MDNSAdvertiser)(nil)
	_ Browser    = (*MDNSBrowser)(nil)
)
