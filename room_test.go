package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 {
	return &v
}

func TestRoomFirstUserBecomesHost(t *testing.T) {
	r := newRoom("alpha")

	user, rejoined := r.AttachUser("u1", "Ann", "android")

	require.False(t, rejoined)
	assert.True(t, user.IsHost)
	assert.Equal(t, "u1", r.HostID)
	require.Len(t, r.Users, 1)

	_, rejoined = r.AttachUser("u2", "Ben", "ios")

	require.False(t, rejoined)
	assert.Equal(t, "u1", r.HostID, "host must not move on later joins")
	assert.False(t, r.Users[1].IsHost)
}

func TestRoomHostAlwaysEarliestRemaining(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")
	r.AttachUser("u2", "Ben", "ios")
	r.AttachUser("u3", "Cam", "qa")

	removed, newHost := r.DetachUser("u1")

	require.True(t, removed)
	assert.Equal(t, "u2", newHost)
	assert.Equal(t, "u2", r.HostID)
	assert.True(t, r.Users[0].IsHost)

	// Removing a non-host leaves the host alone.
	removed, newHost = r.DetachUser("u3")

	require.True(t, removed)
	assert.Empty(t, newHost)
	assert.Equal(t, "u2", r.HostID)
}

func TestRoomDetachLastUserEmptiesRoom(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")

	removed, newHost := r.DetachUser("u1")

	require.True(t, removed)
	assert.Empty(t, newHost)
	assert.Empty(t, r.Users)
	assert.Empty(t, r.HostID)
	assert.Empty(t, r.Votes)
}

func TestRoomDetachUnknownUserIsNoop(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")

	removed, _ := r.DetachUser("nobody")

	assert.False(t, removed)
	require.Len(t, r.Users, 1)
	assert.Equal(t, "u1", r.HostID)
}

func TestRoomRejoinUpdatesInPlace(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")
	r.AttachUser("u2", "Ben", "ios")

	applied, _ := r.RecordVote("u1", fp(5))
	require.True(t, applied)

	user, rejoined := r.AttachUser("u1", "Annie", "qa")

	assert.True(t, rejoined)
	assert.Equal(t, "Annie", user.Name)
	assert.Equal(t, "qa", user.PlayerType)
	assert.True(t, user.IsHost, "host status survives a rejoin")
	require.Len(t, r.Users, 2, "rejoin must not duplicate the entry")
	require.NotNil(t, r.Votes["u1"])
	assert.Equal(t, 5.0, *r.Votes["u1"], "vote survives a rejoin")
}

func TestRoomRecordVote(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")

	applied, hasVoted := r.RecordVote("u1", fp(3))
	assert.True(t, applied)
	assert.True(t, hasVoted)

	// A nil value clears the vote but still counts as applied.
	applied, hasVoted = r.RecordVote("u1", nil)
	assert.True(t, applied)
	assert.False(t, hasVoted)

	// Zero is a real vote, not an empty one.
	applied, hasVoted = r.RecordVote("u1", fp(0))
	assert.True(t, applied)
	assert.True(t, hasVoted)

	applied, _ = r.RecordVote("stranger", fp(1))
	assert.False(t, applied, "non-members cannot vote")

	r.Reveal()

	applied, _ = r.RecordVote("u1", fp(8))
	assert.False(t, applied, "votes are frozen while revealed")
	assert.Equal(t, 0.0, *r.Votes["u1"])
}

func TestRoomRevealIsIdempotent(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")
	r.RecordVote("u1", fp(5))

	votes := r.Reveal()

	assert.True(t, r.IsRevealed)
	require.NotNil(t, votes["u1"])
	assert.Equal(t, 5.0, *votes["u1"])

	again := r.Reveal()

	assert.True(t, r.IsRevealed)
	require.NotNil(t, again["u1"])
	assert.Equal(t, 5.0, *again["u1"])
}

func TestRoomResetHostOnly(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")
	r.AttachUser("u2", "Ben", "ios")
	r.RecordVote("u1", fp(5))
	r.RecordVote("u2", fp(3))
	r.Reveal()

	require.False(t, r.Reset("u2"), "non-host reset must be rejected")
	assert.True(t, r.IsRevealed)
	assert.Equal(t, 5.0, *r.Votes["u1"])
	assert.Equal(t, 3.0, *r.Votes["u2"])

	require.True(t, r.Reset("u1"))
	assert.False(t, r.IsRevealed)
	assert.Nil(t, r.Votes["u1"])
	assert.Nil(t, r.Votes["u2"])
}

func TestRoomSnapshotNeverLeaksHiddenVotes(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")
	r.AttachUser("u2", "Ben", "ios")
	r.AttachUser("u3", "Cam", "qa")
	r.RecordVote("u1", fp(5))
	r.RecordVote("u2", fp(0)) // falsy-like value must stay hidden too

	snap := r.Snapshot()

	assert.False(t, snap.IsRevealed)
	assert.True(t, snap.Votes["u1"].HasVoted)
	assert.Nil(t, snap.Votes["u1"].Value)
	assert.True(t, snap.Votes["u2"].HasVoted)
	assert.Nil(t, snap.Votes["u2"].Value)
	assert.False(t, snap.Votes["u3"].HasVoted)
	assert.Nil(t, snap.Votes["u3"].Value)
}

func TestRoomSnapshotCarriesValuesOnceRevealed(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")
	r.AttachUser("u2", "Ben", "ios")
	r.RecordVote("u1", fp(5))
	r.Reveal()

	snap := r.Snapshot()

	assert.True(t, snap.IsRevealed)
	require.NotNil(t, snap.Votes["u1"].Value)
	assert.Equal(t, 5.0, *snap.Votes["u1"].Value)
	assert.True(t, snap.Votes["u1"].HasVoted)
	assert.False(t, snap.Votes["u2"].HasVoted)
	assert.Nil(t, snap.Votes["u2"].Value)
}

func TestRoomSnapshotIsDetached(t *testing.T) {
	r := newRoom("alpha")
	r.AttachUser("u1", "Ann", "android")
	r.RecordVote("u1", fp(5))
	r.Reveal()

	snap := r.Snapshot()

	r.Reset("u1")
	r.Users[0].Name = "changed"

	require.Len(t, snap.Users, 1)
	assert.Equal(t, "Ann", snap.Users[0].Name)
	require.NotNil(t, snap.Votes["u1"].Value)
	assert.Equal(t, 5.0, *snap.Votes["u1"].Value)
}
