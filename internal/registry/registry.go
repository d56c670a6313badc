// Package registry manages the set of subscribed destinations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"confessbot/internal/storage"
	logx "confessbot/pkg/logx"
)

type Store interface {
	ListDestinations(ctx context.Context) ([]storage.Destination, error)
	GetDestination(ctx context.Context, id string) (storage.Destination, error)
	UpsertDestination(ctx context.Context, d storage.Destination) error
	DeleteDestination(ctx context.Context, id string) (bool, error)
}

// Registry is the only writer of destinations. Readers get a snapshot that
// later changes do not affect.
type Registry struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log.With(logx.String("comp", "registry")), now: time.Now}
}

// Snapshot lists current destinations in registration order.
func (r *Registry) Snapshot(ctx context.Context) ([]storage.Destination, error) {
	return r.store.ListDestinations(ctx)
}

// Subscribe registers channelID as the destination of a group, replacing the
// group's previous channel. The original registration time is kept.
func (r *Registry) Subscribe(ctx context.Context, platform, groupID, channelID string) (storage.Destination, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	groupID = strings.TrimSpace(groupID)
	channelID = strings.TrimSpace(channelID)
	if platform == "" || groupID == "" || channelID == "" {
		return storage.Destination{}, errors.New("platform, group and channel are required")
	}
	id := storage.DestinationID(platform, groupID)
	d := storage.Destination{ID: id, Platform: platform, GroupID: groupID, ChannelID: channelID, RegisteredAt: r.now().UTC()}
	if err := r.store.UpsertDestination(ctx, d); err != nil {
		return storage.Destination{}, err
	}
	stored, err := r.store.GetDestination(ctx, id)
	if err != nil {
		return storage.Destination{}, fmt.Errorf("lookup destination: %w", err)
	}
	d = stored
	r.log.Info("destination subscribed", logx.String("dest", id), logx.String("channel", channelID))
	return d, nil
}

// Unsubscribe removes a destination. Removing an unknown id is not an error.
func (r *Registry) Unsubscribe(ctx context.Context, id, reason string) (bool, error) {
	ok, err := r.store.DeleteDestination(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		r.log.Info("destination unsubscribed", logx.String("dest", id), logx.String("reason", reason))
	}
	return ok, nil
}

func (r *Registry) Lookup(ctx context.Context, platform, groupID string) (storage.Destination, bool, error) {
	d, err := r.store.GetDestination(ctx, storage.DestinationID(platform, groupID))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Destination{}, false, nil
	}
	if err != nil {
		return storage.Destination{}, false, err
	}
	return d, true, nil
}

func (r *Registry) Count(ctx context.Context) (int, error) {
	ds, err := r.store.ListDestinations(ctx)
	return len(ds), err
}
