package domain

import (
	"time"

	"go.trai.ch/zerr"
)

// SubjectType is the kind of thing engaged with, e.g. "post" or "user".
type SubjectType string

// Subject identifies a content item or user that can be engaged with.
type Subject struct {
	Type SubjectType
	ID   string
}

func (s Subject) String() string {
	return string(s.Type) + "/" + s.ID
}

// Relation is the kind of engagement, e.g. "like" or "follow".
type Relation string

const (
	// RelationLike marks content as liked.
	RelationLike Relation = "like"
	// RelationFollow marks a user as followed.
	RelationFollow Relation = "follow"
)

// Relations maps subject types to the relation used to engage with them.
type Relations map[SubjectType]Relation

// DefaultRelations returns the built-in relation table.
func DefaultRelations() Relations {
	return Relations{
		"tip":     RelationLike,
		"post":    RelationLike,
		"comment": RelationLike,
		"user":    RelationFollow,
	}
}

// For returns the relation configured for t.
func (r Relations) For(t SubjectType) (Relation, error) {
	rel, ok := r[t]
	if !ok || rel == "" {
		return "", zerr.With(zerr.Wrap(ErrUnknownRelation, "resolve relation"), "subject_type", string(t))
	}
	return rel, nil
}

// EngagementEdge is one actor engaging with one subject. The store owns it.
type EngagementEdge struct {
	ActorID   string
	Subject   Subject
	Relation  Relation
	CreatedAt time.Time
	// Seq is the store's commit sequence for the change that produced the edge.
	Seq uint64
}

// Topic is the realtime channel for one subject and relation.
type Topic struct {
	Subject  Subject
	Relation Relation
}

func (t Topic) String() string {
	return t.Subject.String() + "#" + string(t.Relation)
}
