package resolvers

import (
	"context"

	"github.com/google/uuid"
	"github.com/troydota/pollrooms/polls"
	"github.com/troydota/pollrooms/rooms"
)

// watcher is a room member that feeds one GraphQL subscription.
type watcher struct {
	id string
	ch chan polls.Snapshot
}

func (w *watcher) ID() string {
	return w.id
}

func (w *watcher) Send(snap polls.Snapshot) error {
	select {
	case w.ch <- snap:
		return nil
	default:
		return rooms.ErrSlowConsumer
	}
}

// Watch streams the poll's tally, starting with the current one, until the
// subscription's context ends.
func (r *RootResolver) Watch(ctx context.Context, args struct{ ID string }) (<-chan *resultsResolver, error) {
	snap, err := r.svc.Results(ctx, args.ID)
	if err != nil {
		if err = nullOrInternal(err); err == nil {
			err = errPollNotFound
		}
		return nil, err
	}

	w := &watcher{id: uuid.NewString(), ch: make(chan polls.Snapshot, 16)}
	r.rooms.Join(w, args.ID)

	rChan := make(chan *resultsResolver, 1)
	rChan <- &resultsResolver{snap}

	go func() {
		defer close(rChan)
		defer r.rooms.Disconnect(w)

		latest := snap.TotalVotes
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-w.ch:
				if s.TotalVotes < latest {
					continue
				}
				latest = s.TotalVotes
				select {
				case rChan <- &resultsResolver{s}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return rChan, nil
}
