// Package wake implements the cross-cutting aggregator that answers "what
// should I look at right now" for a given identity: unread mail, open
// response commitments, assigned swarm work, undelivered broadcast buzz,
// and staleness alerts for anyone who has gone quiet while someone else's
// backup. It has no storage of its own; it reads every other service's
// store tables and merges the result into one uniform item list.
package wake

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/presence"
	"github.com/biginformatics/hive/internal/store"
)

// Item is one entry in a wake payload.
type Item struct {
	Source    string `json:"source"`
	Priority  string `json:"priority"`
	Text      string `json:"text"`
	ProjectID string `json:"projectId,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	EventID   string `json:"eventId,omitempty"`
	Identity  string `json:"identity,omitempty"`
}

// Action describes a documentation pointer surfaced for a non-empty
// source category.
type Action struct {
	Source   string `json:"source"`
	SkillURL string `json:"skillUrl"`
}

// Payload is the full result of a wake call.
type Payload struct {
	Items     []Item    `json:"items"`
	Actions   []Action  `json:"actions"`
	Summary   *string   `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// pendingPromoteAfter is how long a pending follow-up sits before its
// priority is bumped to high.
const pendingPromoteAfter = 4 * time.Hour

const (
	sourceMessage        = "message"
	sourceMessagePending = "message_pending"
	sourceSwarm          = "swarm"
	sourceBuzz           = "buzz"
	sourceBackup         = "backup"
)

var skillURLBySource = map[string]string{
	sourceMessage:        "/docs/wake/message",
	sourceMessagePending: "/docs/wake/message-pending",
	sourceSwarm:          "/docs/wake/swarm",
	sourceBuzz:           "/docs/wake/buzz",
	sourceBackup:         "/docs/wake/backup",
}

type Service struct {
	store    *store.Store
	presence *presence.Tracker
	clock    clockx.Clock
	logger   *slog.Logger
}

func New(st *store.Store, presenceTracker *presence.Tracker, clock clockx.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = clockx.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, presence: presenceTracker, clock: clock, logger: logger}
}

// Options narrows what a wake call returns.
type Options struct {
	IncludeOffHours bool
}

// Get computes a wake payload for identity, then marks every ephemeral
// buzz item it returned as delivered so it is not served again.
func (s *Service) Get(identity string, opts Options) (*Payload, error) {
	now := s.clock.Now()
	var items []Item
	sourcesSeen := map[string]bool{}

	msgItems, err := s.messageItems(identity)
	if err != nil {
		return nil, err
	}
	items = append(items, msgItems...)

	pendingItems, err := s.pendingItems(identity, now)
	if err != nil {
		return nil, err
	}
	items = append(items, pendingItems...)

	swarmItems, err := s.swarmItems(identity, now, opts.IncludeOffHours)
	if err != nil {
		return nil, err
	}
	items = append(items, swarmItems...)

	buzzItems, err := s.buzzItems(identity)
	if err != nil {
		return nil, err
	}
	items = append(items, buzzItems...)

	if s.presence != nil {
		backupItems, err := s.backupItems(identity, now)
		if err != nil {
			return nil, err
		}
		items = append(items, backupItems...)
	}

	for _, it := range items {
		sourcesSeen[it.Source] = true
	}

	var actions []Action
	for src := range sourcesSeen {
		actions = append(actions, Action{Source: src, SkillURL: skillURLBySource[src]})
	}

	var summary *string
	if len(items) > 0 {
		text := fmt.Sprintf("%d item(s) need attention", len(items))
		summary = &text
	}

	if err := s.markBuzzDelivered(identity, buzzItems); err != nil {
		s.logger.Error("mark buzz delivered", "identity", identity, "error", err)
	}

	return &Payload{Items: items, Actions: actions, Summary: summary, Timestamp: now}, nil
}

func (s *Service) messageItems(identity string) ([]Item, error) {
	page, err := s.store.ListMessages(identity, store.MailboxStatusUnread, 100, 0)
	if err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}
	items := make([]Item, 0, len(page.Messages))
	for _, m := range page.Messages {
		priority := "normal"
		if m.Urgent {
			priority = "high"
		}
		items = append(items, Item{
			Source: sourceMessage, Priority: priority,
			Text: "Read and respond to this message.", MessageID: m.ID,
		})
	}
	return items, nil
}

func (s *Service) pendingItems(identity string, now time.Time) ([]Item, error) {
	pending, err := s.store.ListMyPending(identity)
	if err != nil {
		return nil, fmt.Errorf("list my pending: %w", err)
	}
	items := make([]Item, 0, len(pending))
	for _, m := range pending {
		priority := "normal"
		var age time.Duration
		if m.WaitingSince != nil {
			age = now.Sub(*m.WaitingSince)
		}
		if age > pendingPromoteAfter {
			priority = "high"
		}
		items = append(items, Item{
			Source: sourceMessagePending, Priority: priority,
			Text:      fmt.Sprintf("You marked this for follow-up %s ago. Deliver or clear pending.", age.Round(time.Minute)),
			MessageID: m.ID,
		})
	}
	return items, nil
}

var swarmActionText = map[string]string{
	store.SwarmStatusReady:      "Pick it up.",
	store.SwarmStatusInProgress: "Verify and update.",
	store.SwarmStatusReview:     "Review and approve/reject.",
}

func (s *Service) swarmItems(identity string, now time.Time, includeOffHours bool) ([]Item, error) {
	tasks, err := s.store.ListTasks(store.TaskFilter{
		Statuses: []string{store.SwarmStatusReady, store.SwarmStatusInProgress, store.SwarmStatusReview},
		Assignee: identity,
	})
	if err != nil {
		return nil, fmt.Errorf("list assigned tasks: %w", err)
	}

	var items []Item
	for _, t := range tasks {
		if !includeOffHours && t.ProjectID != "" {
			within, err := s.withinProjectWorkHours(t.ProjectID, now)
			if err != nil {
				s.logger.Warn("work hours check failed", "project", t.ProjectID, "error", err)
			}
			if !within {
				continue
			}
		}
		text := swarmActionText[t.Status]
		if text == "" {
			text = "Attend to this task."
		}
		items = append(items, Item{
			Source: sourceSwarm, Priority: "normal", Text: text,
			TaskID: t.ID, ProjectID: t.ProjectID,
		})
	}
	return items, nil
}

func (s *Service) withinProjectWorkHours(projectID string, now time.Time) (bool, error) {
	p, err := s.store.GetProject(projectID)
	if err != nil {
		return true, err
	}
	wh := clockx.WorkHours{Start: p.WorkHoursStart, End: p.WorkHoursEnd, Timezone: p.WorkHoursTimezone}
	return wh.Within(now)
}

func (s *Service) buzzItems(identity string) ([]Item, error) {
	var items []Item

	wakeEvents, err := s.store.WakeSourceEvents("wake", identity)
	if err != nil {
		return nil, fmt.Errorf("wake source events: %w", err)
	}
	for _, e := range wakeEvents {
		items = append(items, Item{
			Source: sourceBuzz, Priority: "high",
			Text: "Create a swarm task in ready to investigate this alert.", EventID: e.ID,
		})
	}

	notifyEvents, err := s.store.WakeSourceEvents("notify", identity)
	if err != nil {
		return nil, fmt.Errorf("notify source events: %w", err)
	}
	for _, e := range notifyEvents {
		items = append(items, Item{
			Source: sourceBuzz, Priority: "normal",
			Text: "Review for awareness.", EventID: e.ID,
		})
	}
	return items, nil
}

// markBuzzDelivered marks every buzz item returned to identity as
// delivered, so a subsequent call does not re-surface it. Both the SSE and
// REST wake paths call Get, so both perform this step.
func (s *Service) markBuzzDelivered(identity string, buzzItems []Item) error {
	for _, it := range buzzItems {
		if it.Source != sourceBuzz || it.EventID == "" {
			continue
		}
		if err := s.store.MarkDeliveredToWake(it.EventID, identity); err != nil {
			return fmt.Errorf("mark delivered %s: %w", it.EventID, err)
		}
	}
	return nil
}

// backupItems reports, for every token naming identity as its backup
// agent, whether the primary has gone quiet past its stale trigger.
func (s *Service) backupItems(identity string, now time.Time) ([]Item, error) {
	tokens, err := s.store.ListActiveWithBackupAgent()
	if err != nil {
		return nil, fmt.Errorf("list backup agent tokens: %w", err)
	}

	var items []Item
	for _, tok := range tokens {
		if tok.BackupAgent != identity {
			continue
		}
		staleAfter := time.Duration(tok.StaleTriggerHours) * time.Hour
		if staleAfter <= 0 {
			continue
		}
		entry, ok := s.presence.Get(tok.Identity)
		stale := !ok || now.Sub(entry.LastSeen) > staleAfter
		if !stale {
			continue
		}
		items = append(items, Item{
			Source: sourceBackup, Priority: "normal",
			Text:     fmt.Sprintf("Check if %s is offline and notify the team.", tok.Identity),
			Identity: tok.Identity,
		})
	}
	return items, nil
}
