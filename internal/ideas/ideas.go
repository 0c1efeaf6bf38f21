// Package ideas holds the scheduled jobs around the task lifecycle:
// the daily idea batch and the rejected-task cleanup sweep.
package ideas

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jabeeworks/vibeflow/internal/agent"
	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/notify"
	"github.com/jabeeworks/vibeflow/internal/store"
)

const (
	defaultCount          = 5
	defaultDeadlineOffset = 24 * time.Hour
	// How many recent titles to feed the agent as a dedupe hint.
	recentTitleLimit = 50
	// Rejected tasks stay queryable this long after cleanup.
	defaultRetention = 24 * time.Hour

	deadlineLayout = "2006-01-02"
)

const batchPromptTemplate = `You are a prolific indie app ideator.
Come up with %d fresh app ideas a solo developer could ship in weeks.

Avoid anything resembling these existing projects:
%s

Respond with exactly one JSON object, nothing else:
{
  "ideas": [
    {
      "title": "app name",
      "overview": "compelling summary",
      "monetization": "concrete monetization strategy",
      "target": "clear target audience",
      "difficulty": "1-3 stars as a string of asterisks",
      "type": "mobile app | web app | browser extension | desktop game"
    }
  ]
}`

// Generator produces a batch of refined ideas and inserts them directly
// as new tasks, skipping the draft stage.
type Generator struct {
	Store    store.Store
	Agent    agent.Invoker
	Notifier notify.Sink

	Count          int
	DeadlineOffset time.Duration
	Now            func() time.Time
}

func NewGenerator(s store.Store, inv agent.Invoker, sink notify.Sink) *Generator {
	if sink == nil {
		sink = notify.Discard{}
	}
	return &Generator{
		Store:          s,
		Agent:          inv,
		Notifier:       sink,
		Count:          defaultCount,
		DeadlineOffset: defaultDeadlineOffset,
		Now:            time.Now,
	}
}

type batch struct {
	Ideas []domain.Idea `json:"ideas"`
}

// Run generates one batch and inserts each idea as a task with status
// new and an approval deadline one offset out. A malformed agent
// response aborts before any write.
func (g *Generator) Run(ctx context.Context) error {
	count := g.Count
	if count <= 0 {
		count = defaultCount
	}
	titles, err := g.Store.ExistingTitles(ctx, recentTitleLimit)
	if err != nil {
		return fmt.Errorf("ideas: existing titles: %w", err)
	}
	hint := "(none yet)"
	if len(titles) > 0 {
		hint = "- " + strings.Join(titles, "\n- ")
	}

	response, err := g.Agent.Invoke(ctx, fmt.Sprintf(batchPromptTemplate, count, hint))
	if err != nil {
		return fmt.Errorf("ideas: %w", err)
	}
	var b batch
	if err := agent.ExtractJSON(response, &b); err != nil {
		return fmt.Errorf("ideas: %w", err)
	}
	if len(b.Ideas) == 0 {
		return fmt.Errorf("ideas: response contained no ideas")
	}
	if len(b.Ideas) > count {
		b.Ideas = b.Ideas[:count]
	}

	deadline := g.now().Add(g.DeadlineOffset).UTC().Format(deadlineLayout)
	var fields []notify.Field
	for _, idea := range b.Ideas {
		if idea.Title == "" {
			log.Printf("ideas: skipping untitled idea")
			continue
		}
		t := domain.Task{
			Title:        idea.Title,
			Overview:     idea.Overview,
			Monetization: idea.Monetization,
			Target:       idea.Target,
			Difficulty:   idea.Difficulty,
			Type:         idea.Type,
			Status:       domain.StatusNew,
			Deadline:     &deadline,
		}
		if _, err := g.Store.CreateTask(ctx, t); err != nil {
			return fmt.Errorf("ideas: insert %q: %w", idea.Title, err)
		}
		fields = append(fields, notify.Field{Name: idea.Title, Value: idea.Overview})
	}
	if len(fields) == 0 {
		return fmt.Errorf("ideas: every idea in the batch was untitled")
	}

	log.Printf("ideas: inserted %d new ideas", len(fields))
	g.Notifier.Notify(ctx, "Daily ideas",
		fmt.Sprintf("%d fresh ideas are waiting for review.", len(fields)),
		notify.ColorSuccess, fields)
	return nil
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Sweeper deletes rejected tasks once their cleanup marker is set and
// the retention window has passed.
type Sweeper struct {
	Store     store.Store
	Retention time.Duration
	Now       func() time.Time
}

func NewSweeper(s store.Store) *Sweeper {
	return &Sweeper{Store: s, Retention: defaultRetention, Now: time.Now}
}

func (sw *Sweeper) Run(ctx context.Context) (int, error) {
	retention := sw.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	now := time.Now
	if sw.Now != nil {
		now = sw.Now
	}
	n, err := sw.Store.PurgeRejected(ctx, now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if n > 0 {
		log.Printf("cleanup: purged %d rejected tasks", n)
	}
	return n, nil
}
