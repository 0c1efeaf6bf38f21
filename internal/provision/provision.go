// Package provision creates on-disk project skeletons for approved
// ideas and persists their design documents.
package provision

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Provisioner creates a project skeleton at a predictable path. Provision
// must be safely callable twice for the same name.
type Provisioner interface {
	// Provision scaffolds the project and returns its directory path.
	Provision(ctx context.Context, name string) (string, error)
	// WriteDesignDoc persists the design document into the project.
	WriteDesignDoc(name, content string) error
	// Remove deletes the provisioned directory tree.
	Remove(name string) error
	// Exists reports whether the project directory is present.
	Exists(name string) bool
	// Dir returns the directory path for a project name.
	Dir(name string) string
}

const designDocName = "DESIGN_DOC.md"

// Scaffolder shells out to a project generator (flutter create by
// default) under a fixed base directory.
type Scaffolder struct {
	BaseDir string
	// Command is the scaffold command; the project name is appended.
	// Defaults to ["flutter", "create"].
	Command []string
}

func NewScaffolder(baseDir string) *Scaffolder {
	return &Scaffolder{
		BaseDir: baseDir,
		Command: []string{"flutter", "create"},
	}
}

func (s *Scaffolder) Dir(name string) string {
	return filepath.Join(s.BaseDir, name)
}

func (s *Scaffolder) Exists(name string) bool {
	info, err := os.Stat(s.Dir(name))
	return err == nil && info.IsDir()
}

// Provision runs the scaffold command unless the directory already
// exists, making repeat calls a no-op.
func (s *Scaffolder) Provision(ctx context.Context, name string) (string, error) {
	dir := s.Dir(name)
	if _, err := os.Stat(dir); err == nil {
		log.Printf("provision: %s already exists, skipping scaffold", dir)
		return dir, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return "", err
	}
	args := append(append([]string{}, s.Command[1:]...), name)
	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	cmd.Dir = s.BaseDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("scaffold %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return dir, nil
}

func (s *Scaffolder) WriteDesignDoc(name, content string) error {
	dir := s.Dir(name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("project dir %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, designDocName), []byte(content), 0o644)
}

func (s *Scaffolder) Remove(name string) error {
	if name == "" || strings.Contains(name, string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove suspicious project name %q", name)
	}
	return os.RemoveAll(s.Dir(name))
}

// SanitizeIdentifier reduces a suggested project name to a machine-safe
// identifier: lowercase letters, digits and underscores, never empty
// and never starting with a digit. The fallback is timestamp-derived so
// provisioning can always proceed.
func SanitizeIdentifier(suggested string, now time.Time) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(suggested)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "app_" + now.Format("20060102150405")
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "app_" + name
	}
	const maxLen = 40
	if len(name) > maxLen {
		name = strings.Trim(name[:maxLen], "_")
	}
	return name
}
