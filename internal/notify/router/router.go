// Package router fans a decoded event out to its audience through the subscription registry.
package router

import (
	"context"

	"chat-notify/internal/event/domain"
)

// Publisher is the registry surface the router needs.
type Publisher interface {
	Publish(userID int64, ev *domain.Event) int
}

// Recorder receives per-route delivery counts. May be nil.
type Recorder interface {
	RecordRoute(ctx context.Context, kind domain.Kind, live, idle int)
}

// Router publishes events to each member of an audience. It has no business logic of its own.
type Router struct {
	pub      Publisher
	recorder Recorder
}

// New returns a Router publishing through pub.
func New(pub Publisher, recorder Recorder) *Router {
	return &Router{pub: pub, recorder: recorder}
}

// Route publishes ev to every user in audience and returns how many recipients had a live
// subscription. Publishing to a user nobody is listening for is a silent no-op.
func (r *Router) Route(ctx context.Context, ev *domain.Event, audience domain.Audience) int {
	if ev == nil {
		return 0
	}
	live, idle := 0, 0
	for _, userID := range audience {
		if r.pub.Publish(userID, ev) > 0 {
			live++
		} else {
			idle++
		}
	}
	if r.recorder != nil {
		r.recorder.RecordRoute(ctx, ev.Kind(), live, idle)
	}
	return live
}
