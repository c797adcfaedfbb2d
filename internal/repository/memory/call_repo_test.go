package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/service/call"
	apperrors "callsession-backend/pkg/errors"
)

func newCall(created time.Time, status domain.CallStatus, users ...int64) (*domain.Call, []*domain.CallParticipant) {
	c := &domain.Call{
		CallID:      uuid.New(),
		Kind:        domain.CallKindGroup,
		InitiatedBy: users[0],
		ChannelName: domain.NewChannelName(created) + uuid.NewString()[:4],
		Status:      status,
		CreatedAt:   created,
	}
	var ps []*domain.CallParticipant
	for _, u := range users {
		ps = append(ps, &domain.CallParticipant{CallID: c.CallID, UserID: u, Status: domain.ParticipantInvited})
	}
	return c, ps
}

func TestCreateCallWithParticipants_AllOrNothing(t *testing.T) {
	repo := NewCallRepository()
	ctx := context.Background()

	c, ps := newCall(time.Now(), domain.CallStatusRinging, 1, 2)
	ps = append(ps, &domain.CallParticipant{CallID: c.CallID, UserID: 2})

	err := repo.CreateCallWithParticipants(ctx, c, ps)
	require.Error(t, err)

	_, err = repo.GetCall(ctx, c.CallID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestCreateCallWithParticipants_UniqueChannel(t *testing.T) {
	repo := NewCallRepository()
	ctx := context.Background()

	first, ps := newCall(time.Now(), domain.CallStatusRinging, 1)
	require.NoError(t, repo.CreateCallWithParticipants(ctx, first, ps))

	second, ps2 := newCall(time.Now(), domain.CallStatusRinging, 1)
	second.ChannelName = first.ChannelName
	for _, p := range ps2 {
		p.CallID = second.CallID
	}
	assert.Error(t, repo.CreateCallWithParticipants(ctx, second, ps2))
}

func TestWithinCall_RollbackOnError(t *testing.T) {
	repo := NewCallRepository()
	ctx := context.Background()

	c, ps := newCall(time.Now(), domain.CallStatusRinging, 1, 2)
	require.NoError(t, repo.CreateCallWithParticipants(ctx, c, ps))

	boom := errors.New("boom")
	err := repo.WithinCall(ctx, c.CallID, func(ctx context.Context, tx call.CallTx) error {
		p, err := tx.GetParticipant(ctx, 2)
		require.NoError(t, err)
		p.Join(time.Now())
		require.NoError(t, tx.UpdateParticipant(ctx, p))

		updated := tx.Call()
		updated.Start(time.Now())
		require.NoError(t, tx.UpdateCall(ctx, updated))
		assert.Equal(t, domain.CallStatusOngoing, tx.Call().Status)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := repo.GetCall(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)

	participants, err := repo.ListParticipants(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantInvited, participants[1].Status)
}

func TestWithinCall_NotFound(t *testing.T) {
	repo := NewCallRepository()

	err := repo.WithinCall(context.Background(), uuid.New(), func(context.Context, call.CallTx) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestWithinCall_Serializes(t *testing.T) {
	repo := NewCallRepository()
	ctx := context.Background()

	c, ps := newCall(time.Now(), domain.CallStatusOngoing, 1)
	require.NoError(t, repo.CreateCallWithParticipants(ctx, c, ps))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.WithinCall(ctx, c.CallID, func(ctx context.Context, tx call.CallTx) error {
				cur := tx.Call()
				cur.Duration++
				return tx.UpdateCall(ctx, cur)
			})
		}()
	}
	wg.Wait()

	stored, err := repo.GetCall(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.Duration)
}

func TestWithinCall_ManyCallsShareStripes(t *testing.T) {
	repo := NewCallRepository()
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 4*lockStripes; i++ {
		c, ps := newCall(time.Now(), domain.CallStatusOngoing, 1)
		require.NoError(t, repo.CreateCallWithParticipants(ctx, c, ps))
		ids = append(ids, c.CallID)
	}
	assert.Same(t, repo.lockFor(ids[0]), repo.lockFor(ids[0]))

	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				err := repo.WithinCall(ctx, id, func(ctx context.Context, tx call.CallTx) error {
					cur := tx.Call()
					cur.Duration++
					return tx.UpdateCall(ctx, cur)
				})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		stored, err := repo.GetCall(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 5, stored.Duration)
	}
}

func TestBulkTransitionParticipants(t *testing.T) {
	repo := NewCallRepository()
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	c, ps := newCall(start, domain.CallStatusOngoing, 1, 2, 3)
	ps[0].Join(start)
	ps[1].Status = domain.ParticipantRejected
	require.NoError(t, repo.CreateCallWithParticipants(ctx, c, ps))

	end := start.Add(90 * time.Second)
	err := repo.WithinCall(ctx, c.CallID, func(ctx context.Context, tx call.CallTx) error {
		n, err := tx.BulkTransitionParticipants(ctx, domain.ActiveParticipantStatuses, domain.ParticipantLeft, end)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		left, err := tx.CountParticipantsByStatus(ctx, domain.ParticipantLeft)
		require.NoError(t, err)
		assert.Equal(t, 2, left)
		return nil
	})
	require.NoError(t, err)

	participants, err := repo.ListParticipants(ctx, c.CallID)
	require.NoError(t, err)
	require.Len(t, participants, 3)

	assert.Equal(t, domain.ParticipantLeft, participants[0].Status)
	assert.Equal(t, 90, participants[0].Duration)
	assert.Equal(t, end, *participants[0].LeftAt)
	assert.Equal(t, domain.ParticipantRejected, participants[1].Status)
	assert.Nil(t, participants[1].LeftAt)
	assert.Equal(t, domain.ParticipantLeft, participants[2].Status)
	assert.Equal(t, 0, participants[2].Duration)
}

func TestListUserCalls_NewestFirst(t *testing.T) {
	repo := NewCallRepository()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		c, ps := newCall(base.Add(time.Duration(i)*time.Minute), domain.CallStatusEnded, 7, 8)
		require.NoError(t, repo.CreateCallWithParticipants(ctx, c, ps))
		ids = append(ids, c.CallID)
	}
	other, ps := newCall(base, domain.CallStatusEnded, 9)
	require.NoError(t, repo.CreateCallWithParticipants(ctx, other, ps))

	calls, err := repo.ListUserCalls(ctx, 8, 2, 0)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, ids[2], calls[0].CallID)
	assert.Equal(t, ids[1], calls[1].CallID)

	calls, err = repo.ListUserCalls(ctx, 8, 2, 2)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, ids[0], calls[0].CallID)

	calls, err = repo.ListUserCalls(ctx, 8, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestListRingingBefore(t *testing.T) {
	repo := NewCallRepository()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	old, ps := newCall(now.Add(-2*time.Minute), domain.CallStatusRinging, 1)
	require.NoError(t, repo.CreateCallWithParticipants(ctx, old, ps))
	fresh, ps := newCall(now, domain.CallStatusRinging, 1)
	require.NoError(t, repo.CreateCallWithParticipants(ctx, fresh, ps))
	done, ps := newCall(now.Add(-time.Hour), domain.CallStatusEnded, 1)
	require.NoError(t, repo.CreateCallWithParticipants(ctx, done, ps))

	ids, err := repo.ListRingingBefore(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{old.CallID}, ids)
}

func TestDirectory(t *testing.T) {
	dir := NewDirectory()
	ctx := context.Background()
	dir.AddUser(domain.User{UserID: 1, Name: "a"})
	dir.AddGroup(10, 1, 2, 3)

	ok, err := dir.UserExists(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = dir.UserExists(ctx, 2)
	assert.False(t, ok)

	members, err := dir.GroupMemberIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, members)

	_, err = dir.GroupMemberIDs(ctx, 11)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	a, err := dir.GetOrCreateConversation(ctx, domain.NewChannelKey(5, 3))
	require.NoError(t, err)
	b, err := dir.GetOrCreateConversation(ctx, domain.NewChannelKey(3, 5))
	require.NoError(t, err)
	c, err := dir.GetOrCreateConversation(ctx, domain.NewChannelKey(3, 6))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
