package memory

import (
	"context"
	"sync"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/service/call"
	apperrors "callsession-backend/pkg/errors"
)

// Directory is an in-memory user, group and conversation registry
type Directory struct {
	mu            sync.RWMutex
	users         map[int64]domain.User
	groups        map[int64][]int64
	conversations map[domain.ChannelKey]int64
	nextConvID    int64
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		users:         make(map[int64]domain.User),
		groups:        make(map[int64][]int64),
		conversations: make(map[domain.ChannelKey]int64),
	}
}

var _ call.Directory = (*Directory)(nil)

// AddUser registers a user
func (d *Directory) AddUser(u domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.UserID] = u
}

// AddGroup registers a group with the given members, replacing any previous membership
func (d *Directory) AddGroup(groupID int64, memberIDs ...int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[groupID] = append([]int64(nil), memberIDs...)
}

// UserExists reports whether the user is registered
func (d *Directory) UserExists(ctx context.Context, userID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok, nil
}

// GroupMemberIDs returns the members of a group
func (d *Directory) GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members, ok := d.groups[groupID]
	if !ok {
		return nil, apperrors.NotFoundError("Group")
	}
	return append([]int64(nil), members...), nil
}

// GetOrCreateConversation returns the conversation for the pair, creating it on first use
func (d *Directory) GetOrCreateConversation(ctx context.Context, key domain.ChannelKey) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.conversations[key]; ok {
		return id, nil
	}
	d.nextConvID++
	d.conversations[key] = d.nextConvID
	return d.nextConvID, nil
}
