// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func TestReplayCache(t *testing.T) {
	require := require.New(t)

	rc := newReplayCache(5 * time.Minute)
	now := testStart
	msgID := ids.GenerateTestID()

	// First sighting is admitted, the second refused.
	require.True(rc.check(msgID, now, now))
	require.False(rc.check(msgID, now, now))

	// A different message is independent.
	require.True(rc.check(ids.GenerateTestID(), now, now))
}

func TestReplayCacheAdmissible(t *testing.T) {
	require := require.New(t)

	rc := newReplayCache(5 * time.Minute)
	now := testStart
	msgID := ids.GenerateTestID()

	// admissible records nothing, so repeated queries all succeed.
	require.True(rc.admissible(msgID, now, now))
	require.True(rc.admissible(msgID, now, now))
	require.Zero(rc.len())

	// Once checked in, the ID is no longer admissible.
	require.True(rc.check(msgID, now, now))
	require.False(rc.admissible(msgID, now, now))

	// Window bounds apply here too.
	require.False(rc.admissible(ids.GenerateTestID(), now.Add(-6*time.Minute), now))
}

func TestReplayCacheWindow(t *testing.T) {
	require := require.New(t)

	rc := newReplayCache(5 * time.Minute)
	now := testStart

	// Stamps outside the window in either direction are refused.
	require.False(rc.check(ids.GenerateTestID(), now.Add(-6*time.Minute), now))
	require.False(rc.check(ids.GenerateTestID(), now.Add(6*time.Minute), now))

	// Just inside is fine.
	require.True(rc.check(ids.GenerateTestID(), now.Add(-4*time.Minute), now))
}

func TestReplayCachePrune(t *testing.T) {
	require := require.New(t)

	rc := newReplayCache(5 * time.Minute)
	now := testStart

	old := ids.GenerateTestID()
	require.True(rc.check(old, now, now))

	later := now.Add(3 * time.Minute)
	recent := ids.GenerateTestID()
	require.True(rc.check(recent, later, later))
	require.Equal(2, rc.len())

	// Only the aged-out entry is evicted.
	pruneAt := now.Add(6 * time.Minute)
	require.Equal(1, rc.prune(pruneAt))
	require.Equal(1, rc.len())

	// The pruned ID may be seen again in a later window.
	require.True(rc.check(old, pruneAt, pruneAt))
}
