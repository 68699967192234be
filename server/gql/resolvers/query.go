package resolvers

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/polls"
)

// Poll resolves to null for unknown or malformed ids.
func (r *RootResolver) Poll(ctx context.Context, args struct{ ID string }) (*pollResolver, error) {
	poll, err := r.svc.Poll(ctx, args.ID)
	if err != nil {
		return nil, nullOrInternal(err)
	}
	return &pollResolver{poll, r.now()}, nil
}

func (r *RootResolver) Results(ctx context.Context, args struct{ ID string }) (*resultsResolver, error) {
	snap, err := r.svc.Results(ctx, args.ID)
	if err != nil {
		return nil, nullOrInternal(err)
	}
	return &resultsResolver{snap}, nil
}

func nullOrInternal(err error) error {
	switch polls.KindOf(err) {
	case polls.KindNotFound, polls.KindInvalidInput:
		return nil
	}
	log.Errorf("gql, err=%v", err)
	return errInternalServer
}
