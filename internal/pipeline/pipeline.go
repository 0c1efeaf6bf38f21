// Package pipeline hands provisioned projects to the build/publish
// toolchain. The pipeline runs asynchronously; its only contract with
// the planner is a write-back to the task store when it finishes.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/store"
)

const writeBackTimeout = 10 * time.Second

// Runner starts a build for one task. Start must return promptly; the
// planner never blocks on a build.
type Runner interface {
	Start(ctx context.Context, taskID, projectName string)
}

// Exec runs the build and publish commands for a project, then reports
// the outcome through the task store: status review plus the preview
// URL on success, a revert to designed on failure.
type Exec struct {
	Store   store.Store
	BaseDir string
	// BuildCmd generates and compiles the app; the project name is
	// appended. PublishCmd starts the preview and prints the public
	// URL on its last output line.
	BuildCmd   []string
	PublishCmd []string
}

func NewExec(s store.Store, baseDir string, buildCmd, publishCmd []string) *Exec {
	return &Exec{Store: s, BaseDir: baseDir, BuildCmd: buildCmd, PublishCmd: publishCmd}
}

// Start launches the build in the background and returns immediately.
func (e *Exec) Start(ctx context.Context, taskID, projectName string) {
	go e.run(ctx, taskID, projectName)
}

func (e *Exec) run(ctx context.Context, taskID, projectName string) {
	url, err := e.buildAndPublish(ctx, projectName)
	if err != nil {
		log.Printf("pipeline: %s failed: %v", projectName, err)
		e.writeBack(ctx, taskID, store.Update{Status: statusPtr(domain.StatusDesigned)})
		return
	}
	e.writeBack(ctx, taskID, store.Update{
		Status:    statusPtr(domain.StatusReview),
		ReviewURL: &url,
	})
	log.Printf("pipeline: %s published at %s", projectName, url)
}

func (e *Exec) buildAndPublish(ctx context.Context, projectName string) (string, error) {
	if len(e.BuildCmd) > 0 {
		if _, err := e.execute(ctx, e.BuildCmd, projectName); err != nil {
			return "", fmt.Errorf("build: %w", err)
		}
	}
	if len(e.PublishCmd) == 0 {
		return "", nil
	}
	out, err := e.execute(ctx, e.PublishCmd, projectName)
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

func (e *Exec) execute(ctx context.Context, command []string, projectName string) (string, error) {
	args := append(append([]string{}, command[1:]...), projectName)
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.Dir = e.BaseDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// writeBack outlives the caller: a shutdown that cancels the build must
// not also cancel the status revert, or the task would sit at dev_ready
// with no record of the failure.
func (e *Exec) writeBack(ctx context.Context, taskID string, u store.Update) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()
	if _, err := e.Store.UpdateTask(ctx, taskID, u); err != nil {
		log.Printf("pipeline: write back for %s failed: %v", taskID, err)
	}
}

func statusPtr(s domain.Status) *domain.Status { return &s }
