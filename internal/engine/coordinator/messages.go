package coordinator

import "go.trai.ch/tally/internal/core/domain"

const (
	msgReauthRequired   = "Your session has expired. Please sign in again."
	msgPermissionDenied = "You don't have permission to do that."
	msgRetry            = "Something went wrong. Please try again."
)

func successMessage(i domain.MutationIntent) string {
	switch {
	case i.Edge.Relation == domain.RelationFollow && i.Desired:
		return "Followed " + i.Edge.Subject.ID
	case i.Edge.Relation == domain.RelationFollow:
		return "Unfollowed " + i.Edge.Subject.ID
	case i.Desired:
		return "Liked " + i.Edge.Subject.String()
	default:
		return "Removed like from " + i.Edge.Subject.String()
	}
}
