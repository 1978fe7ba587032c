// SPDX-License-Identifier: MPL-2.0

package announce

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invowk/sockserve/internal/config"
	"github.com/invowk/sockserve/internal/service"

	"github.com/charmbracelet/log"
	"github.com/enbility/zeroconf/v3"
)

const (
	// ServiceType is the DNS-SD service type of a sockserve server.
	ServiceType = "_sockserve._tcp"
	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultTTL is the advertised record TTL.
	DefaultTTL = 120 * time.Second

	maxInstanceNameLen = 63
)

type (
	// PortFunc returns the port to advertise; 0 means not listening.
	PortFunc func() int

	// Registration is an active advertisement.
	Registration interface {
		Shutdown()
	}

	// RegisterFunc publishes an advertisement. Register is the zeroconf
	// implementation.
	RegisterFunc func(instance, serviceType, domain string, port int, txt []string, ifaces []net.Interface) (Registration, error)

	// Announcer advertises a service while it is running. It implements
	// service.Listener.
	Announcer struct {
		instance string
		txt      []string
		ifaces   []net.Interface
		port     PortFunc
		register RegisterFunc
		logger   *log.Logger

		mu     sync.Mutex
		reg    Registration
		closed bool
	}

	// Option configures an Announcer.
	Option func(*Announcer)

	// Entry is a server found by Browse.
	Entry struct {
		Instance string
		Host     string
		Port     int
		Addrs    []string
		Text     map[string]string
	}
)

// WithLogger sets the logger; the announcer logs with the "announce" prefix.
func WithLogger(logger *log.Logger) Option {
	return func(a *Announcer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRegisterFunc replaces the zeroconf registration.
func WithRegisterFunc(f RegisterFunc) Option {
	return func(a *Announcer) {
		if f != nil {
			a.register = f
		}
	}
}

// WithText adds key=value TXT records.
func WithText(kv map[string]string) Option {
	return func(a *Announcer) {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			a.txt = append(a.txt, k+"="+kv[k])
		}
	}
}

// New creates an Announcer for cfg advertising the port returned by port.
func New(cfg config.AnnounceConfig, port PortFunc, opts ...Option) (*Announcer, error) {
	a := &Announcer{
		instance: InstanceName(cfg.Instance),
		port:     port,
		register: Register,
		logger:   log.New(io.Discard),
	}
	if cfg.Interface != "" {
		iface, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("announce interface %q: %w", cfg.Interface, err)
		}
		a.ifaces = []net.Interface{*iface}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithPrefix("announce")
	return a, nil
}

// Register publishes an advertisement with zeroconf.
func Register(instance, serviceType, domain string, port int, txt []string, ifaces []net.Interface) (Registration, error) {
	return zeroconf.Register(instance, serviceType, domain, port, txt, ifaces,
		zeroconf.TTL(uint32(DefaultTTL.Seconds())))
}

// InstanceName returns name, or "sockserve-<hostname>" when name is empty,
// truncated to the DNS label limit.
func InstanceName(name string) string {
	if name == "" {
		name = config.DefaultAnnounceInstance
		if host, err := os.Hostname(); err == nil && host != "" {
			name += "-" + strings.SplitN(host, ".", 2)[0]
		}
	}
	if len(name) > maxInstanceNameLen {
		name = name[:maxInstanceNameLen]
	}
	return name
}

// Instance returns the advertised instance name.
func (a *Announcer) Instance() string {
	return a.instance
}

// Active reports whether an advertisement is published.
func (a *Announcer) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg != nil
}

// StateChanged announces on running and withdraws on every other state.
func (a *Announcer) StateChanged(ev service.Event) {
	if ev.To == service.StateRunning {
		if err := a.Announce(); err != nil {
			a.logger.Warn("mDNS announcement failed", "service", ev.Service, "error", err)
		}
		return
	}
	a.Withdraw()
}

// Announce publishes the advertisement, replacing a previous one.
func (a *Announcer) Announce() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	port := a.port()
	if port == 0 {
		return fmt.Errorf("announce %s: no listening port", a.instance)
	}
	if a.reg != nil {
		a.reg.Shutdown()
		a.reg = nil
	}
	reg, err := a.register(a.instance, ServiceType, Domain, port, a.txt, a.ifaces)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", ServiceType, err)
	}
	a.reg = reg
	a.logger.Info("announced", "instance", a.instance, "type", ServiceType, "port", port)
	return nil
}

// Withdraw removes the advertisement, if any.
func (a *Announcer) Withdraw() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reg == nil {
		return
	}
	a.reg.Shutdown()
	a.reg = nil
	a.logger.Info("withdrawn", "instance", a.instance)
}

// Close withdraws the advertisement; later state changes are ignored.
func (a *Announcer) Close() error {
	a.Withdraw()
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

// Browse collects servers advertised on the local network until ctx is done.
func Browse(ctx context.Context) ([]Entry, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	found := make(map[string]*Entry)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				mergeEntry(found, fromServiceEntry(e))
			case e, ok := <-removed:
				if ok {
					delete(found, e.Instance)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	<-collected
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("browse %s: %w", ServiceType, err)
	}

	out := make([]Entry, 0, len(found))
	for _, e := range found {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func fromServiceEntry(e *zeroconf.ServiceEntry) Entry {
	addrs := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return Entry{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Addrs:    addrs,
		Text:     ParseText(e.Text),
	}
}

// mergeEntry adds e to found, combining addresses seen on several interfaces.
func mergeEntry(found map[string]*Entry, e Entry) {
	existing, ok := found[e.Instance]
	if !ok {
		found[e.Instance] = &e
		return
	}
	seen := make(map[string]bool, len(existing.Addrs))
	for _, a := range existing.Addrs {
		seen[a] = true
	}
	for _, a := range e.Addrs {
		if !seen[a] {
			existing.Addrs = append(existing.Addrs, a)
			seen[a] = true
		}
	}
}

// ParseText turns key=value TXT strings into a map. Entries without "=" map
// to an empty value.
func ParseText(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, _ := strings.Cut(t, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}
