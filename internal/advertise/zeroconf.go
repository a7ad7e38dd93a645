package advertise

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

// zeroconfAdvertiser publishes via grandcat/zeroconf, the avahi-style
// alternative backend.
type zeroconfAdvertiser struct {
	srv *zeroconf.Server
}

func (a *zeroconfAdvertiser) Register(name, serviceType string, port int, txt map[string]string) error {
	srv, err := zeroconf.Register(name, serviceType, "local.", port, txtRecords(txt), nil)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	a.srv = srv
	return nil
}

func (a *zeroconfAdvertiser) Unregister() {
	if a.srv == nil {
		return
	}
	a.srv.Shutdown()
	a.srv = nil
}

func txtRecords(txt map[string]string) []string {
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	return out
}
