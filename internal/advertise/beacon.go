package advertise

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/joshuafuller/beacon/responder"
)

// beaconAdvertiser publishes via the beacon mDNS responder. A fresh
// responder is created per registration so Register/Unregister cycles
// leave no background state behind.
type beaconAdvertiser struct {
	resp *responder.Responder
	name string
}

func (a *beaconAdvertiser) Register(name, serviceType string, port int, txt map[string]string) error {
	resp, err := responder.New(context.Background())
	if err != nil {
		return fmt.Errorf("mdns responder: %w", err)
	}

	svc := &responder.Service{
		InstanceName: name,
		ServiceType:  qualify(serviceType),
		Port:         port,
		TXTRecords:   txt,
	}
	if err := resp.Register(svc); err != nil {
		resp.Close()
		return fmt.Errorf("mdns register: %w", err)
	}

	a.resp = resp
	a.name = name
	return nil
}

func (a *beaconAdvertiser) Unregister() {
	if a.resp == nil {
		return
	}
	if err := a.resp.Unregister(a.name); err != nil {
		log.Printf("[Advertise] unregister %q: %v", a.name, err)
	}
	a.resp.Close()
	a.resp = nil
}

// qualify appends the .local suffix the responder expects.
func qualify(serviceType string) string {
	if strings.HasSuffix(serviceType, ".local") {
		return serviceType
	}
	return serviceType + ".local"
}
