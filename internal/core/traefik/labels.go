// Package traefik renders the reverse-proxy label list for the
// per-release compose overlay. Pure functions, no I/O.
package traefik

import (
	"fmt"
	"sort"
)

// certResolver is the ACME resolver name the host's traefik instance
// is expected to configure.
const certResolver = "letsencrypt"

// ServiceParams describes one compose service routed through the
// host's traefik instance.
type ServiceParams struct {
	AppName     string
	ServiceName string

	// Release is folded into router names. During cutover both release
	// generations sit on the traefik network at once; per-release names
	// keep the incoming generation's routers from colliding with the
	// outgoing one's.
	Release string

	// Hostname is the domain routed to the service.
	Hostname string

	// Port is the container port traffic is forwarded to.
	Port int

	// TLS adds a second router on the secure entrypoint with an ACME
	// certresolver.
	TLS bool
}

func (p ServiceParams) routerName() string {
	if p.Release == "" {
		return fmt.Sprintf("%s-%s", p.AppName, p.ServiceName)
	}
	return fmt.Sprintf("%s-%s-%s", p.AppName, p.ServiceName, p.Release)
}

// ServiceLabels renders the compose `labels:` entries for a routed
// service: traefik enablement, an HTTP router with a Host rule, the
// loadbalancer port, and with TLS a second router on the websecure
// entrypoint. Both routers bind to the single loadbalancer service the
// labels define. The list is sorted so rendered overlays are
// deterministic.
func ServiceLabels(p ServiceParams) []string {
	name := p.routerName()

	labels := []string{
		"traefik.enable=true",
		fmt.Sprintf("traefik.http.routers.%s.rule=Host(`%s`)", name, p.Hostname),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints=web", name),
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port=%d", name, p.Port),
	}

	if p.TLS {
		tlsName := name + "-tls"
		labels = append(labels,
			fmt.Sprintf("traefik.http.routers.%s.rule=Host(`%s`)", tlsName, p.Hostname),
			fmt.Sprintf("traefik.http.routers.%s.entrypoints=websecure", tlsName),
			fmt.Sprintf("traefik.http.routers.%s.tls=true", tlsName),
			fmt.Sprintf("traefik.http.routers.%s.tls.certresolver=%s", tlsName, certResolver),
		)
	}

	sort.Strings(labels)
	return labels
}
