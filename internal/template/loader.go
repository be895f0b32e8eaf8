package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/attestia/stageflow/model"
)

// Loader seeds the template store from YAML files at startup, so a fresh
// deployment ships with its standard process definitions. Seeding is additive
// and idempotent by template name: a template whose name already exists for
// the seed tenant is skipped, never overwritten.
type Loader struct {
	service *Service
	log     *zap.Logger
}

// NewLoader creates a seed template loader.
func NewLoader(service *Service, log *zap.Logger) *Loader {
	return &Loader{service: service, log: log}
}

// LoadDirectory scans a directory for *.yaml and *.yml files, parses each
// into a template, and creates it through the service so every seed passes
// the same validation as an API submission. Returns the number loaded.
func (l *Loader) LoadDirectory(ctx context.Context, dir, tenantID string, activate bool) (int, error) {
	rctx := model.SystemContext(tenantID)

	existing, err := l.service.List(ctx, rctx, Filters{Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("list existing templates: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, t := range existing {
		known[t.Name] = true
	}

	loaded := 0
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		t, err := l.loadFile(path)
		if err != nil {
			return err
		}
		if known[t.Name] {
			l.log.Debug("seed template already present", zap.String("name", t.Name))
			return nil
		}

		created, err := l.service.Create(ctx, rctx, t)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", path, err)
		}
		if activate {
			if err := l.service.Activate(ctx, rctx, created.ID); err != nil {
				return fmt.Errorf("activating seed %s: %w", path, err)
			}
		}

		l.log.Info("seed template loaded",
			zap.String("name", created.Name),
			zap.String("template_id", created.ID),
			zap.String("file", path),
		)
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("scanning seed directory %s: %w", dir, err)
	}
	return loaded, nil
}

func (l *Loader) loadFile(path string) (model.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var t model.WorkflowTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return t, nil
}
