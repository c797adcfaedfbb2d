package domain

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   CallStatus
		terminal bool
	}{
		{CallStatusRinging, false},
		{CallStatusOngoing, false},
		{CallStatusEnded, true},
		{CallStatusMissed, true},
		{CallStatusRejected, true},
		{CallStatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestParticipantStatus_IsActive(t *testing.T) {
	assert.True(t, ParticipantJoined.IsActive())
	assert.True(t, ParticipantRinging.IsActive())
	assert.True(t, ParticipantInvited.IsActive())
	assert.False(t, ParticipantLeft.IsActive())
	assert.False(t, ParticipantRejected.IsActive())
}

func TestCall_FinishDuration(t *testing.T) {
	created := time.Unix(1700000000, 0)

	never := &Call{Status: CallStatusRinging, CreatedAt: created}
	never.Finish(CallStatusMissed, created.Add(time.Minute))
	assert.Equal(t, CallStatusMissed, never.Status)
	assert.Zero(t, never.Duration)
	require.NotNil(t, never.EndedAt)

	answered := &Call{Status: CallStatusRinging, CreatedAt: created}
	answered.Start(created.Add(5 * time.Second))
	assert.Equal(t, CallStatusOngoing, answered.Status)
	answered.Finish(CallStatusEnded, created.Add(95*time.Second))
	assert.Equal(t, 90, answered.Duration)
}

func TestParticipant_LeaveDuration(t *testing.T) {
	now := time.Unix(1700000000, 0)

	p := &CallParticipant{Status: ParticipantRinging}
	p.Leave(now)
	assert.Equal(t, ParticipantLeft, p.Status)
	assert.Zero(t, p.Duration)

	p.Join(now)
	assert.Nil(t, p.LeftAt)
	p.Leave(now.Add(42 * time.Second))
	assert.Equal(t, 42, p.Duration)
}

func TestCall_CloneIsDeep(t *testing.T) {
	now := time.Unix(1700000000, 0)
	group := int64(7)
	c := &Call{GroupID: &group, StartedAt: &now}

	cp := c.Clone()
	*cp.GroupID = 8
	*cp.StartedAt = now.Add(time.Hour)

	assert.Equal(t, int64(7), *c.GroupID)
	assert.Equal(t, now, *c.StartedAt)
}

func TestNewCallTarget(t *testing.T) {
	user, group := int64(2), int64(9)

	target, err := NewCallTarget(&user, nil)
	require.NoError(t, err)
	assert.Equal(t, CallKindOneToOne, target.Kind())
	assert.Equal(t, int64(2), target.ID())

	target, err = NewCallTarget(nil, &group)
	require.NoError(t, err)
	assert.Equal(t, CallKindGroup, target.Kind())

	_, err = NewCallTarget(&user, &group)
	assert.Error(t, err)
	_, err = NewCallTarget(nil, nil)
	assert.Error(t, err)
	assert.True(t, CallTarget{}.IsZero())
}

func TestChannelKey_OrderIndependent(t *testing.T) {
	assert.Equal(t, NewChannelKey(5, 3), NewChannelKey(3, 5))
	assert.Equal(t, "3_5", NewChannelKey(5, 3).String())
	assert.Equal(t, ChannelKey{Low: 4, High: 4}, NewChannelKey(4, 4))
}

func TestNewChannelName(t *testing.T) {
	now := time.Unix(1700000000, 0)
	name := NewChannelName(now)

	assert.Regexp(t, regexp.MustCompile(`^call_[0-9a-f]{13}_1700000000$`), name)
	assert.NotEqual(t, name, NewChannelName(now))
}
