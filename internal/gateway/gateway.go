// Package gateway bridges topic-filtered event bus streams to live client
// connections. Every delivered message carries the entity's current full
// state, re-read from the authoritative store, because bus notifications
// intentionally carry only identifiers.
package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/tendril-app/tendril/internal/bus"
	"github.com/tendril-app/tendril/internal/log"
	"github.com/tendril-app/tendril/internal/store"
	"github.com/tendril-app/tendril/internal/workflow"
)

// Subscription describes one client stream. Topics name the bus topics to
// attach to; the remaining fields are filter keys, and a message is delivered
// only if every supplied key matches. Identity is the authenticated caller
// and is enforced, not trusted from the request, for personal topics.
type Subscription struct {
	Topics      []string
	ExecutionID string
	ProjectID   string
	UserID      string
	Identity    string
}

// Update is one delivered message: the triggering notification plus the
// entity's current full state.
type Update struct {
	Topic        string                      `json:"topic"`
	Kind         bus.Kind                    `json:"kind"`
	Workflow     *workflow.WorkflowExecution `json:"workflow,omitempty"`
	Task         *workflow.AgentTask         `json:"task,omitempty"`
	Notification bus.Notification            `json:"notification"`
}

// Gateway fans bus notifications out to client subscriptions. It only
// reads the store; all mutations go through the orchestration service.
type Gateway struct {
	store store.Store
	bus   bus.Bus
}

// New creates a Gateway over the given store and bus.
func New(st store.Store, b bus.Bus) *Gateway {
	return &Gateway{store: st, bus: b}
}

const userTopicPrefix = "user:"

// Subscribe attaches to the subscription's topics and returns a channel of
// re-hydrated updates. Personal topics are always rewritten to the
// caller's own identity: a subscriber can never attach to another user's
// personal stream, whatever they ask for.
func (g *Gateway) Subscribe(ctx context.Context, sub Subscription) (<-chan Update, func(), error) {
	if len(sub.Topics) == 0 {
		return nil, nil, workflow.NewValidationError("subscription needs at least one topic")
	}

	topics := make([]string, 0, len(sub.Topics))
	for _, topic := range sub.Topics {
		if strings.HasPrefix(topic, userTopicPrefix) {
			if sub.Identity == "" {
				return nil, nil, workflow.NewValidationError("personal topics require an authenticated identity")
			}
			topic = bus.UserTopic(sub.Identity)
		}
		topics = append(topics, topic)
	}
	// The personal filter key is likewise pinned to the caller.
	if sub.UserID != "" && sub.Identity != "" {
		sub.UserID = sub.Identity
	}

	notifications, unsub := g.bus.Subscribe(ctx, topics...)
	out := make(chan Update, 16)

	log.SafeGo("gateway.deliver", func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notifications:
				if !ok {
					return
				}
				if !matches(sub, n) {
					continue
				}
				update, ok := g.hydrate(ctx, n)
				if !ok {
					continue
				}
				select {
				case out <- update:
				case <-ctx.Done():
					return
				}
			}
		}
	})

	return out, unsub, nil
}

// matches applies the subscription's filter keys: every supplied key must
// equal the notification's corresponding field. Personal notifications
// additionally require the caller's own identity; that check is a security
// invariant, not a convenience filter.
func matches(sub Subscription, n bus.Notification) bool {
	if sub.ExecutionID != "" && sub.ExecutionID != n.ExecutionID {
		return false
	}
	if sub.ProjectID != "" && sub.ProjectID != n.ProjectID {
		return false
	}
	if sub.UserID != "" && sub.UserID != n.UserID {
		return false
	}
	if n.Kind == bus.KindUser && n.UserID != sub.Identity {
		return false
	}
	return true
}

// hydrate re-reads the entity named by the notification. A deleted entity
// skips the message; the stream stays alive.
func (g *Gateway) hydrate(ctx context.Context, n bus.Notification) (Update, bool) {
	update := Update{Topic: n.Topic, Kind: n.Kind, Notification: n}

	switch n.Kind {
	case bus.KindWorkflow:
		exec, err := g.store.GetWorkflow(ctx, workflow.ExecutionID(n.ExecutionID))
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			return Update{}, false
		}
		if err != nil {
			log.ErrorErr(log.CatGateway, "workflow re-read failed, skipping delivery", err, "executionID", n.ExecutionID)
			return Update{}, false
		}
		update.Workflow = exec
	case bus.KindTask:
		task, err := g.store.GetTask(ctx, workflow.TaskID(n.ID))
		if errors.Is(err, workflow.ErrTaskNotFound) {
			return Update{}, false
		}
		if err != nil {
			log.ErrorErr(log.CatGateway, "task re-read failed, skipping delivery", err, "taskID", n.ID)
			return Update{}, false
		}
		update.Task = task
	case bus.KindUser:
		// Personal notifications carry no store entity.
	}
	return update, true
}
