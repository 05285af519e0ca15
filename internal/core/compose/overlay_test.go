package compose

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// RenderOverlay Tests
// =============================================================================

func baseParams() OverlayParams {
	return OverlayParams{
		AppName:        "myapp",
		WebService:     "web",
		Release:        "20250310-093000",
		Domain:         "myapp.example.com",
		TLS:            true,
		Port:           8080,
		HealthPath:     "/health",
		HealthInterval: 2 * time.Second,
		HealthRetries:  15,
		SharedEnvPath:  "/var/deploy/myapp/shared/.env",
	}
}

func TestRenderOverlay_ParsesBackAsYAML(t *testing.T) {
	out, err := RenderOverlay(baseParams())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Contains(t, doc, "services")
	assert.Contains(t, doc, "networks")
}

func TestRenderOverlay_WebService(t *testing.T) {
	out, err := RenderOverlay(baseParams())
	require.NoError(t, err)

	assert.Contains(t, out, "traefik.http.routers.myapp-web-20250310-093000.rule=Host(`myapp.example.com`)")
	assert.Contains(t, out, "traefik.http.routers.myapp-web-20250310-093000-tls.tls=true")
	assert.Contains(t, out, "curl -fsS http://localhost:8080/health || exit 1")
	assert.Contains(t, out, "interval: 2s")
	assert.Contains(t, out, "retries: 15")
	assert.Contains(t, out, "/var/deploy/myapp/shared/.env")

	// Web service joins the external traefik network
	assert.Contains(t, out, "external: true")
}

func TestRenderOverlay_CustomHealthCmd(t *testing.T) {
	p := baseParams()
	p.HealthCmd = "wget -q -O /dev/null http://localhost:3000/ping"

	out, err := RenderOverlay(p)
	require.NoError(t, err)

	assert.Contains(t, out, "wget -q -O /dev/null http://localhost:3000/ping")
	assert.NotContains(t, out, "curl -fsS")
}

func TestRenderOverlay_LocalBuildImages(t *testing.T) {
	p := baseParams()
	p.WebImage = "myapp-web:20250310-093000"
	p.ImageServices = []BuiltService{
		{Name: "worker", Image: "myapp-worker:20250310-093000"},
		// The web service is pinned via WebImage, not ImageServices
		{Name: "web", Image: "myapp-web:20250310-093000"},
	}

	out, err := RenderOverlay(p)
	require.NoError(t, err)

	assert.Contains(t, out, "myapp-web:20250310-093000")
	assert.Contains(t, out, "myapp-worker:20250310-093000")

	var doc overlayDoc
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Len(t, doc.Services, 2)
	assert.Equal(t, "myapp-web:20250310-093000", doc.Services["web"].Image)
}

func TestRenderOverlay_Deterministic(t *testing.T) {
	p := baseParams()
	p.ImageServices = []BuiltService{
		{Name: "worker", Image: "i1"},
		{Name: "scheduler", Image: "i2"},
	}

	first, err := RenderOverlay(p)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := RenderOverlay(p)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRenderOverlay_NoDomain(t *testing.T) {
	p := baseParams()
	p.Domain = ""

	_, err := RenderOverlay(p)
	assert.ErrorIs(t, err, ErrNoTraefik)
}

func TestRenderOverlay_NoWebService(t *testing.T) {
	p := baseParams()
	p.WebService = ""

	_, err := RenderOverlay(p)
	assert.Error(t, err)
}
