// Package wsfeed relays change subscriptions over websockets.
//
// The server side streams a RemoteStore subscription to remote readers. The
// client side overlays a RemoteStore whose own change feed is unavailable to
// this process, such as a SQLite file owned by another host.
package wsfeed

import (
	"net/url"
	"time"

	"go.trai.ch/tally/internal/core/domain"
)

// Path is the HTTP path the relay serves.
const Path = "/v1/feed"

const (
	frameHello = "hello"
	frameEvent = "event"
	frameError = "error"
)

// frame is one websocket message from server to client.
type frame struct {
	Kind   string `json:"kind"`
	ConnID string `json:"conn_id,omitempty"`

	Type        string    `json:"type,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	SubjectType string    `json:"subject_type,omitempty"`
	SubjectID   string    `json:"subject_id,omitempty"`
	Relation    string    `json:"relation,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	Seq         uint64    `json:"seq,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func eventFrame(ev domain.ChangeEvent) frame {
	return frame{
		Kind:        frameEvent,
		Type:        string(ev.Type),
		ActorID:     ev.Edge.ActorID,
		SubjectType: string(ev.Edge.Subject.Type),
		SubjectID:   ev.Edge.Subject.ID,
		Relation:    string(ev.Edge.Relation),
		CreatedAt:   ev.Edge.CreatedAt,
		Seq:         ev.Seq,
	}
}

func (f frame) event() domain.ChangeEvent {
	return domain.ChangeEvent{
		Type: domain.ParseChangeType(f.Type),
		Edge: domain.EngagementEdge{
			ActorID:   f.ActorID,
			Subject:   domain.Subject{Type: domain.SubjectType(f.SubjectType), ID: f.SubjectID},
			Relation:  domain.Relation(f.Relation),
			CreatedAt: f.CreatedAt,
			Seq:       f.Seq,
		},
		Seq: f.Seq,
	}
}

// feedQuery encodes a subscription request as URL query parameters.
func feedQuery(table domain.Table, filter domain.Filter) url.Values {
	q := url.Values{}
	q.Set("table", string(table))
	for col, v := range filter {
		q.Set(col, v)
	}
	return q
}

// parseFeedQuery is the inverse of feedQuery.
func parseFeedQuery(q url.Values) (domain.Table, domain.Filter) {
	table := domain.Table(q.Get("table"))
	filter := domain.Filter{}
	for col, vs := range q {
		if col == "table" || len(vs) == 0 {
			continue
		}
		filter[col] = vs[0]
	}
	return table, filter
}
