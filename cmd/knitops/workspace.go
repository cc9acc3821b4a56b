package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/opst/knitops/pkg/configs/manifest"
	"github.com/opst/knitops/pkg/domain"
	"github.com/spf13/cobra"
)

// workspaceFlags locates the project of the current workspace.
type workspaceFlags struct {
	manifest string
	origin   string
}

func (w *workspaceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&w.manifest, "file", "f", defaultManifest, "path to the project manifest")
	cmd.Flags().StringVar(&w.origin, "origin", "", "origin of the workspace (default: origin in the manifest, or the directory of the manifest)")
}

// load reads the manifest, and fills its origin.
func (w *workspaceFlags) load() (*manifest.ManifestMarshall, error) {
	m, err := manifest.Load(w.manifest)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", w.manifest, err)
	}
	mm := m.Marshall()
	origin, err := w.resolveOrigin(mm.Origin)
	if err != nil {
		return nil, err
	}
	mm.Origin = origin
	return mm, nil
}

// resolveOrigin decides the origin: --origin, the manifest, and then the directory of the manifest.
func (w *workspaceFlags) resolveOrigin(inManifest string) (string, error) {
	if w.origin != "" {
		return w.origin, nil
	}
	if inManifest != "" {
		return inManifest, nil
	}
	return filepath.Abs(filepath.Dir(w.manifest))
}

// key returns the project key: the first argument if given, or the key of the workspace.
func (w *workspaceFlags) key(args []string) (string, error) {
	if 0 < len(args) {
		return args[0], nil
	}
	if w.origin != "" {
		return domain.ProjectKey(w.origin), nil
	}
	m, err := manifest.Load(w.manifest)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("project key is not given, and %s is not found", w.manifest)
	} else if err != nil {
		return "", fmt.Errorf("%s: %w", w.manifest, err)
	}
	origin, err := w.resolveOrigin(m.Origin())
	if err != nil {
		return "", err
	}
	return domain.ProjectKey(origin), nil
}
