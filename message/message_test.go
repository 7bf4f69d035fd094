package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTag_ClosedSet(t *testing.T) {
	assert.False(t, Tag(0).Valid())
	assert.False(t, tagSentinel.Valid())
	for tag := TagAssignRole; tag < tagSentinel; tag++ {
		require.True(t, tag.Valid())
		assert.NotEmpty(t, tagNames[tag], "tag %d has no name", tag)
	}
	assert.Equal(t, "Tag(999)", Tag(999).String())
}

func TestRole_Accepts(t *testing.T) {
	assert.True(t, RoleRelaxation.Accepts(TagActiveNode))
	assert.False(t, RoleRelaxation.Accepts(TagOffloadBatch))
	assert.True(t, RoleStorage.Accepts(TagFetchRequest))
	assert.False(t, RoleStorage.Accepts(TagActiveNode))
	assert.True(t, RoleStorage.Accepts(TagAssignRole))
	assert.True(t, RoleManager.Accepts(TagBranchingResult))
	assert.False(t, RoleManager.Accepts(TagAssignRole))
	assert.True(t, RoleCutGenerator.Accepts(TagCutRequest))
	assert.False(t, RoleCutGenerator.Accepts(TagPriceRequest))
}

func TestViolation(t *testing.T) {
	err := Violation("unexpected %s", TagFetchReply)
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Contains(t, err.Error(), "FetchReply")
}

type sink struct {
	got  []ProcessID
	dead map[ProcessID]bool
}

func (s *sink) Self() ProcessID { return ManagerID }

func (s *sink) Send(_ context.Context, to ProcessID, _ Tag, _ []byte) error {
	if s.dead[to] {
		return ErrProcessDead
	}
	s.got = append(s.got, to)
	return nil
}

func (s *sink) Multicast(ctx context.Context, to []ProcessID, tag Tag, payload []byte) error {
	return MulticastEach(ctx, s, to, tag, payload)
}

func (s *sink) Receive(context.Context, time.Duration) (Message, error) { return Message{}, ErrTimeout }
func (s *sink) Probe() bool                                             { return false }
func (s *sink) Alive(id ProcessID) bool                                 { return !s.dead[id] }
func (s *sink) Close() error                                            { return nil }

func TestMulticastEach_ReachesEveryLiveTarget(t *testing.T) {
	s := &sink{dead: map[ProcessID]bool{2: true, 4: true}}
	err := s.Multicast(context.Background(), []ProcessID{1, 2, 3, 4, 5}, TagUpperBound, nil)
	require.ErrorIs(t, err, ErrProcessDead)
	assert.Equal(t, []ProcessID{1, 3, 5}, s.got)

	failed := DeliveryErrors(err)
	require.Len(t, failed, 2)
	assert.Equal(t, ProcessID(2), failed[0].To)
	assert.Equal(t, ProcessID(4), failed[1].To)

	assert.NoError(t, s.Multicast(context.Background(), []ProcessID{1}, TagUpperBound, nil))
	assert.Empty(t, DeliveryErrors(nil))
	assert.Empty(t, DeliveryErrors(errors.New("other")))
}
