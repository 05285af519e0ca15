package traefik

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// ServiceLabels Tests
// =============================================================================

func baseParams() ServiceParams {
	return ServiceParams{
		AppName:     "myapp",
		ServiceName: "web",
		Release:     "20260830-120000",
		Hostname:    "myapp.example.com",
		Port:        8080,
	}
}

func TestServiceLabels_Basic(t *testing.T) {
	labels := ServiceLabels(baseParams())

	assert.Contains(t, labels, "traefik.enable=true")
	assert.Contains(t, labels, "traefik.http.routers.myapp-web-20260830-120000.rule=Host(`myapp.example.com`)")
	assert.Contains(t, labels, "traefik.http.routers.myapp-web-20260830-120000.entrypoints=web")
	assert.Contains(t, labels, "traefik.http.services.myapp-web-20260830-120000.loadbalancer.server.port=8080")
}

func TestServiceLabels_ReleasesGetDistinctRouters(t *testing.T) {
	// Both generations run side by side during cutover; their routers
	// must not collide.
	outgoing := baseParams()
	outgoing.Release = "20260829-090000"
	incoming := baseParams()

	a := ServiceLabels(outgoing)
	b := ServiceLabels(incoming)
	for _, label := range a {
		if label == "traefik.enable=true" {
			continue
		}
		assert.NotContains(t, b, label)
	}
}

func TestServiceLabels_NoTLSByDefault(t *testing.T) {
	for _, label := range ServiceLabels(baseParams()) {
		assert.NotContains(t, label, "tls")
		assert.NotContains(t, label, "websecure")
	}
}

func TestServiceLabels_WithTLS(t *testing.T) {
	p := baseParams()
	p.TLS = true
	labels := ServiceLabels(p)

	assert.Contains(t, labels, "traefik.http.routers.myapp-web-20260830-120000-tls.rule=Host(`myapp.example.com`)")
	assert.Contains(t, labels, "traefik.http.routers.myapp-web-20260830-120000-tls.entrypoints=websecure")
	assert.Contains(t, labels, "traefik.http.routers.myapp-web-20260830-120000-tls.tls=true")
	assert.Contains(t, labels, "traefik.http.routers.myapp-web-20260830-120000-tls.tls.certresolver=letsencrypt")
}

func TestServiceLabels_Sorted(t *testing.T) {
	p := baseParams()
	p.TLS = true
	labels := ServiceLabels(p)
	assert.True(t, sort.StringsAreSorted(labels))
}

func TestServiceLabels_NoRelease(t *testing.T) {
	p := baseParams()
	p.Release = ""
	labels := ServiceLabels(p)
	assert.Contains(t, labels, "traefik.http.routers.myapp-web.entrypoints=web")
}
