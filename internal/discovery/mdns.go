package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_soapy._tcp"

// RegisterServer announces this server over mDNS/DNS-SD, instance name =
// host name, with a TXT record carrying uuid, per spec.md's mDNS
// contract.
func RegisterServer(uuid string, port int) (*zeroconf.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "soapy-remote"
	}
	return zeroconf.Register(host, mdnsServiceType, "local.", port, []string{"uuid=" + uuid}, nil)
}

// MDNSBrowser continuously browses for _soapy._tcp instances and indexes
// them into a Registry as uuid -> ipVer -> url, reconnecting the
// underlying resolver if its daemon connection drops.
type MDNSBrowser struct {
	registry *Registry
	cancel   context.CancelFunc
}

// NewMDNSBrowser starts continuous mDNS browsing in the background.
func NewMDNSBrowser() *MDNSBrowser {
	ctx, cancel := context.WithCancel(context.Background())
	b := &MDNSBrowser{registry: NewRegistry(), cancel: cancel}
	go b.run(ctx)
	return b
}

func (b *MDNSBrowser) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := b.browseOnce(ctx); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (b *MDNSBrowser) browseOnce(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			b.index(entry)
		}
	}()
	return resolver.Browse(ctx, mdnsServiceType, "local.", entries)
}

func (b *MDNSBrowser) index(entry *zeroconf.ServiceEntry) {
	uuid := uuidFromTXT(entry.Text)
	if uuid == "" {
		return
	}
	ttl := time.Duration(entry.TTL) * time.Second
	if ttl <= 0 {
		ttl = ssdpDefaultMaxAge * time.Second
	}
	for _, ip := range entry.AddrIPv4 {
		url := fmt.Sprintf("tcp://%s:%d", ip.String(), entry.Port)
		b.registry.Put(uuid, 4, url, ttl)
	}
	for _, ip := range entry.AddrIPv6 {
		url := fmt.Sprintf("tcp://[%s]:%d", ip.String(), entry.Port)
		b.registry.Put(uuid, 6, url, ttl)
	}
}

func uuidFromTXT(txt []string) string {
	for _, kv := range txt {
		if strings.HasPrefix(kv, "uuid=") {
			return strings.TrimPrefix(kv, "uuid=")
		}
	}
	return ""
}

// Registry exposes the discovered-entries registry for aggregation.
func (b *MDNSBrowser) Registry() *Registry { return b.registry }

// Close stops browsing.
func (b *MDNSBrowser) Close() error {
	b.cancel()
	return nil
}
