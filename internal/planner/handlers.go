package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/jabeeworks/vibeflow/internal/agent"
	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/notify"
	"github.com/jabeeworks/vibeflow/internal/provision"
	"github.com/jabeeworks/vibeflow/internal/store"
)

const deadlineLayout = "2006-01-02"

const refinePromptTemplate = `You are a sharp product manager.
Turn the following rough app idea into a plan a development team can pick up.

User notes:
Title: %s
Notes: %s

Respond with exactly one JSON object, nothing else:
{
  "title": "polished app name",
  "overview": "compelling summary",
  "monetization": "concrete monetization strategy",
  "target": "clear target audience",
  "difficulty": "1-3 stars as a string of asterisks",
  "type": "mobile app | web app | browser extension | desktop game"
}`

const feedbackPromptTemplate = `Revise the app idea based on the user's feedback.
App name: %s
Feedback: %s

Respond with exactly one JSON object, nothing else:
{
  "title": "revised app name",
  "overview": "summary",
  "monetization": "strategy",
  "target": "target audience",
  "difficulty": "1-3 stars as a string of asterisks",
  "type": "mobile app | web app | browser extension | desktop game"
}`

const namePromptTemplate = `Suggest a short project identifier for an app called %q.
Lowercase letters, digits and underscores only, at most 30 characters.
Respond with the identifier alone, no explanation.`

const designPromptTemplate = `You are a software architect. Write a design document in
Markdown for the following app, covering screens, data model, and the main user flow.

Title: %s
Overview: %s
Target: %s
Monetization: %s`

// refineDraft turns a human's rough note into a reviewable plan and
// moves the task to new with an approval deadline one offset out. Any
// agent failure leaves the draft untouched for retry.
func (e *Engine) refineDraft(ctx context.Context, t domain.Task) error {
	prompt := fmt.Sprintf(refinePromptTemplate, orDefault(t.Title, "untitled"), t.Overview)
	response, err := e.Agent.Invoke(ctx, prompt)
	if err != nil {
		return fmt.Errorf("refine draft: %w", err)
	}
	var idea domain.Idea
	if err := agent.ExtractJSON(response, &idea); err != nil {
		return fmt.Errorf("refine draft: %w", err)
	}
	if idea.Title == "" {
		return errors.New("refine draft: response missing title")
	}
	deadline := e.now().Add(e.DeadlineOffset).UTC().Format(deadlineLayout)
	if _, err := e.Store.UpdateTask(ctx, t.ID, store.Update{
		Title:        &idea.Title,
		Overview:     &idea.Overview,
		Monetization: &idea.Monetization,
		Target:       &idea.Target,
		Difficulty:   &idea.Difficulty,
		Type:         &idea.Type,
		Status:       statusPtr(domain.StatusNew),
		Deadline:     &deadline,
		Release:      true,
	}); err != nil {
		return fmt.Errorf("refine draft: write: %w", err)
	}
	e.Notifier.Notify(ctx, "Idea refined",
		fmt.Sprintf("%q is ready for review.", t.Title), notify.ColorInfo, nil)
	return nil
}

// applyFeedback reworks the idea according to the human's comment and
// moves the task to revised.
func (e *Engine) applyFeedback(ctx context.Context, t domain.Task) error {
	comment := "no instructions"
	if t.FeedbackComment != nil && *t.FeedbackComment != "" {
		comment = *t.FeedbackComment
	}
	prompt := fmt.Sprintf(feedbackPromptTemplate, orDefault(t.Title, "untitled"), comment)
	response, err := e.Agent.Invoke(ctx, prompt)
	if err != nil {
		return fmt.Errorf("apply feedback: %w", err)
	}
	var idea domain.Idea
	if err := agent.ExtractJSON(response, &idea); err != nil {
		return fmt.Errorf("apply feedback: %w", err)
	}
	if idea.Title == "" {
		return errors.New("apply feedback: response missing title")
	}
	if _, err := e.Store.UpdateTask(ctx, t.ID, store.Update{
		Title:        &idea.Title,
		Overview:     &idea.Overview,
		Monetization: &idea.Monetization,
		Target:       &idea.Target,
		Difficulty:   &idea.Difficulty,
		Type:         &idea.Type,
		Status:       statusPtr(domain.StatusRevised),
		Release:      true,
	}); err != nil {
		return fmt.Errorf("apply feedback: write: %w", err)
	}
	e.Notifier.Notify(ctx, "Feedback applied",
		fmt.Sprintf("%q was revised.", t.Title), notify.ColorRevise, nil)
	return nil
}

// provisionAndDesign scaffolds a project for an approved idea, persists
// a design document into it, and moves the task to designed. Any
// provisioning failure aborts before the status leaves approved.
func (e *Engine) provisionAndDesign(ctx context.Context, t domain.Task) error {
	// A directory name, once recorded, is permanent. A replay after a
	// partial failure must reuse it rather than asking the agent for a
	// fresh identifier, or the retry would scaffold a second skeleton.
	name := ""
	if t.DirectoryName != nil {
		name = *t.DirectoryName
	}
	if name == "" {
		name = e.projectName(ctx, t)
	}

	if _, err := e.Provisioner.Provision(ctx, name); err != nil {
		return fmt.Errorf("provision %s: %w", name, err)
	}

	design, err := e.designDoc(ctx, t)
	if err != nil {
		// The skeleton exists, so record the directory before bailing;
		// the retry will skip provisioning and only redo the design.
		if _, werr := e.Store.UpdateTask(ctx, t.ID, store.Update{
			DirectoryName: &name,
			Release:       true,
		}); werr != nil {
			log.Printf("planner: record directory %s: %v", name, werr)
		}
		return fmt.Errorf("design %s: %w", name, err)
	}
	if err := e.Provisioner.WriteDesignDoc(name, design); err != nil {
		return fmt.Errorf("persist design %s: %w", name, err)
	}

	overview := t.Overview
	note := fmt.Sprintf("Project directory: %s. Next: review the design doc, then set the task to development_started.", name)
	if overview == "" {
		overview = note
	} else {
		overview += "\n\n" + note
	}
	if _, err := e.Store.UpdateTask(ctx, t.ID, store.Update{
		Overview:      &overview,
		DirectoryName: &name,
		Status:        statusPtr(domain.StatusDesigned),
		Release:       true,
	}); err != nil {
		return fmt.Errorf("provision %s: write: %w", name, err)
	}
	e.Notifier.Notify(ctx, "Design ready",
		fmt.Sprintf("%q is provisioned as %s.", t.Title, name), notify.ColorInfo, nil)
	return nil
}

// projectName asks the agent for an identifier and sanitizes it; every
// failure falls back to a sanitized title or a timestamp-derived name,
// so naming can never block provisioning.
func (e *Engine) projectName(ctx context.Context, t domain.Task) string {
	suggested := t.Title
	if response, err := e.Agent.Invoke(ctx, fmt.Sprintf(namePromptTemplate, t.Title)); err == nil {
		suggested = response
	} else {
		log.Printf("planner: name suggestion for %s failed, using title: %v", t.ID, err)
	}
	return provision.SanitizeIdentifier(suggested, e.now())
}

func (e *Engine) designDoc(ctx context.Context, t domain.Task) (string, error) {
	prompt := fmt.Sprintf(designPromptTemplate, t.Title, t.Overview, t.Target, t.Monetization)
	response, err := e.Agent.Invoke(ctx, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(response) == "" {
		return "", errors.New("empty design draft")
	}
	return response, nil
}

// directoryNotePattern recovers a project name from the next-steps note
// when directory_name is missing. Compatibility shim for tasks
// provisioned before the field existed; provisioning now always
// persists directory_name.
var directoryNotePattern = regexp.MustCompile(`(?i)project directory:\s*([a-z0-9_]+)`)

// startDevelopment resolves the provisioned directory and hands the
// project to the build pipeline, marking the task dev_ready at once.
// The pipeline reports back through the store on its own time.
func (e *Engine) startDevelopment(ctx context.Context, t domain.Task) error {
	name := ""
	if t.DirectoryName != nil {
		name = *t.DirectoryName
	}
	if name == "" {
		if m := directoryNotePattern.FindStringSubmatch(t.Overview); m != nil {
			name = m[1]
			log.Printf("planner: %s has no directory_name, recovered %q from notes (compatibility shim)", t.ID, name)
		}
	}
	if name == "" || !e.Provisioner.Exists(name) {
		return fmt.Errorf("start development: project directory for %s not found", t.ID)
	}

	if _, err := e.Store.UpdateTask(ctx, t.ID, store.Update{
		Status:  statusPtr(domain.StatusDevReady),
		Release: true,
	}); err != nil {
		return fmt.Errorf("start development: write: %w", err)
	}
	e.Pipeline.Start(ctx, t.ID, name)
	e.Notifier.Notify(ctx, "Build started",
		fmt.Sprintf("%q was handed to the build pipeline.", t.Title), notify.ColorInfo, nil)
	return nil
}

// rejectAndCleanup removes the provisioned directory of a rejected task
// and marks cleanup done so the task becomes terminal. Directory
// deletion is best-effort; a failed delete never blocks the marker.
func (e *Engine) rejectAndCleanup(ctx context.Context, t domain.Task) error {
	if t.DirectoryName != nil && *t.DirectoryName != "" {
		if err := e.Provisioner.Remove(*t.DirectoryName); err != nil {
			log.Printf("planner: cleanup of %s failed: %v", *t.DirectoryName, err)
		}
	}
	if _, err := e.Store.UpdateTask(ctx, t.ID, store.Update{
		CleanupDone: boolPtr(true),
		Release:     true,
	}); err != nil {
		return fmt.Errorf("reject cleanup: write: %w", err)
	}
	e.Notifier.Notify(ctx, "Idea rejected",
		fmt.Sprintf("%q was cleaned up.", t.Title), notify.ColorWarn, nil)
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
