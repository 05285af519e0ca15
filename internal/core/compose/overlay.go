package compose

import (
	"fmt"
	"time"

	"github.com/artpar/shipit/internal/core/traefik"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Overlay Rendering
// =============================================================================

// OverlayParams describes the routing and health metadata rendered into
// a release's docker-compose.override.yml.
type OverlayParams struct {
	AppName    string
	WebService string

	// Release is the release the overlay belongs to; routing labels
	// carry it so concurrent generations register distinct routers.
	Release string

	// Routing
	Domain string
	TLS    bool

	// Health check wired into the web service's container
	Port           int
	HealthPath     string
	HealthCmd      string // overrides the default curl probe when set
	HealthInterval time.Duration
	HealthRetries  int

	// SharedEnvPath is the cross-release env file linked into the release.
	SharedEnvPath string

	// WebImage pins the web service to a locally-built, release-tagged
	// image. Empty for remote builds.
	WebImage string

	// ImageServices pins other locally-built services to their
	// release-tagged images.
	ImageServices []BuiltService
}

type overlayDoc struct {
	Services map[string]overlayService `yaml:"services"`
	Networks map[string]overlayNetwork `yaml:"networks"`
}

type overlayService struct {
	Image       string         `yaml:"image,omitempty"`
	EnvFile     []string       `yaml:"env_file,omitempty"`
	Labels      []string       `yaml:"labels,omitempty"`
	HealthCheck *overlayHealth `yaml:"healthcheck,omitempty"`
	Networks    []string       `yaml:"networks,omitempty"`
}

type overlayHealth struct {
	Test     []string `yaml:"test,flow"`
	Interval string   `yaml:"interval"`
	Retries  int      `yaml:"retries"`
}

type overlayNetwork struct {
	External bool `yaml:"external"`
}

// RenderOverlay renders the docker-compose.override.yml for one release.
//
// The overlay attaches the web service to the external traefik network
// with routing labels, wires the container health check the cutover
// polls, points every service at the shared env file, and (for local
// builds) pins built services to their release-tagged images. Output is
// deterministic for a given set of params.
func RenderOverlay(p OverlayParams) (string, error) {
	if p.Domain == "" {
		return "", ErrNoTraefik
	}
	if p.WebService == "" {
		return "", &ParseError{Field: "web_service", Message: "web service name is required"}
	}

	labels := traefik.ServiceLabels(traefik.ServiceParams{
		AppName:     p.AppName,
		ServiceName: p.WebService,
		Release:     p.Release,
		Hostname:    p.Domain,
		Port:        p.Port,
		TLS:         p.TLS,
	})

	healthCmd := p.HealthCmd
	if healthCmd == "" {
		healthCmd = fmt.Sprintf("curl -fsS http://localhost:%d%s || exit 1", p.Port, p.HealthPath)
	}

	doc := overlayDoc{
		Services: map[string]overlayService{
			p.WebService: {
				Image:   p.WebImage,
				EnvFile: []string{p.SharedEnvPath},
				Labels:  labels,
				HealthCheck: &overlayHealth{
					Test:     []string{"CMD-SHELL", healthCmd},
					Interval: p.HealthInterval.String(),
					Retries:  p.HealthRetries,
				},
				Networks: []string{"default", "traefik"},
			},
		},
		Networks: map[string]overlayNetwork{
			"traefik": {External: true},
		},
	}

	for _, svc := range p.ImageServices {
		if svc.Name == p.WebService {
			continue
		}
		doc.Services[svc.Name] = overlayService{
			Image:   svc.Image,
			EnvFile: []string{p.SharedEnvPath},
		}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render overlay: %w", err)
	}
	return string(out), nil
}
