package postgres

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/tally/internal/core/domain"
)

const (
	channelPrefix = "tally_"
	// allChannel carries every edge change.
	allChannel = channelPrefix + "edges"
)

// channelFor returns the LISTEN channel of a topic. Topics are hashed to stay
// within the 63 byte identifier limit.
func channelFor(t domain.Topic) string {
	return channelPrefix + strconv.FormatUint(xxhash.Sum64String(t.String()), 16)
}

// channelForFilter returns the narrowest channel carrying every edge that
// matches filter.
func channelForFilter(filter domain.Filter) string {
	subjectType, ok1 := filter[domain.ColSubjectType]
	subjectID, ok2 := filter[domain.ColSubjectID]
	relation, ok3 := filter[domain.ColRelation]
	if !ok1 || !ok2 || !ok3 {
		return allChannel
	}
	return channelFor(domain.Topic{
		Subject:  domain.Subject{Type: domain.SubjectType(subjectType), ID: subjectID},
		Relation: domain.Relation(relation),
	})
}

type notification struct {
	Type        string    `json:"type"`
	ActorID     string    `json:"actor_id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	Relation    string    `json:"relation"`
	CreatedAt   time.Time `json:"created_at"`
	Seq         uint64    `json:"seq"`
}

func encodeNotification(ev domain.ChangeEvent) (string, error) {
	b, err := json.Marshal(notification{
		Type:        string(ev.Type),
		ActorID:     ev.Edge.ActorID,
		SubjectType: string(ev.Edge.Subject.Type),
		SubjectID:   ev.Edge.Subject.ID,
		Relation:    string(ev.Edge.Relation),
		CreatedAt:   ev.Edge.CreatedAt,
		Seq:         ev.Seq,
	})
	return string(b), err
}

func decodeNotification(payload string) (domain.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return domain.ChangeEvent{}, err
	}
	return domain.ChangeEvent{
		Type: domain.ParseChangeType(n.Type),
		Edge: domain.EngagementEdge{
			ActorID:   n.ActorID,
			Subject:   domain.Subject{Type: domain.SubjectType(n.SubjectType), ID: n.SubjectID},
			Relation:  domain.Relation(n.Relation),
			CreatedAt: n.CreatedAt,
			Seq:       n.Seq,
		},
		Seq: n.Seq,
	}, nil
}
