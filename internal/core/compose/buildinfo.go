package compose

import (
	"context"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// BuiltService is a compose service carrying a build directive, paired
// with the release-tagged image name the local build path produces for it.
type BuiltService struct {
	Name  string
	Image string
}

// DetectBuiltServices parses a compose document and returns the services
// that carry a `build:` directive, in service-name order. imageName maps
// a service name to its release-tagged image (app-service:release).
//
// The local build path uses this to know which images to tag and stream;
// the overlay rendering uses it to pin those services to the tagged
// images instead of their build directives.
func DetectBuiltServices(yamlContent string, imageName func(service string) string) ([]BuiltService, error) {
	project, err := loadProject(yamlContent)
	if err != nil {
		return nil, err
	}

	var built []BuiltService
	for _, svc := range project.Services {
		if svc.Build != nil {
			built = append(built, BuiltService{
				Name:  svc.Name,
				Image: imageName(svc.Name),
			})
		}
	}

	sort.Slice(built, func(i, j int) bool { return built[i].Name < built[j].Name })
	return built, nil
}

// loadProject loads a compose document using compose-go.
func loadProject(yamlContent string) (*types.Project, error) {
	if yamlContent == "" {
		return nil, ErrEmptyInput
	}

	// Parse YAML into a map first so syntax errors surface cleanly
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, &ParseError{Message: "invalid YAML syntax", Err: ErrInvalidYAML}
	}
	if dict == nil {
		return nil, &ParseError{Message: "invalid YAML syntax", Err: ErrInvalidYAML}
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("shipit-temp", false)
		opts.SkipValidation = false
		opts.SkipInterpolation = true // deploy-time env is not available here
		// In-memory load: no path resolution, no external files
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, &ParseError{Message: err.Error(), Err: ErrInvalidYAML}
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	return project, nil
}
