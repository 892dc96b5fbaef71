// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package audit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

func TestLogRecordAndSnapshot(t *testing.T) {
	l := NewLog(8)
	subject := ids.GenerateTestID()

	l.Record(EventKeyGenerated, subject, SeverityInfo, map[string]string{"algorithm": "ml-kem-768"})
	l.Record(EventReplayDetected, subject, SeverityWarning, nil)

	require.Equal(t, 2, l.Len())

	events := l.Events()
	require.Len(t, events, 2)
	require.Equal(t, EventKeyGenerated, events[0].Type)
	require.Equal(t, EventReplayDetected, events[1].Type)
	require.Equal(t, subject, events[0].Subject)
	require.Equal(t, "ml-kem-768", events[0].Detail["algorithm"])
	require.False(t, events[0].Timestamp.IsZero())
}

func TestLogEvictsOldest(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Record(EventEncryption, ids.GenerateTestID(), SeverityInfo, map[string]string{
			"seq": fmt.Sprintf("%d", i),
		})
	}

	require.Equal(t, 3, l.Len())

	events := l.Events()
	require.Len(t, events, 3)
	// Events 0 and 1 were evicted; 2, 3, 4 remain oldest first.
	require.Equal(t, "2", events[0].Detail["seq"])
	require.Equal(t, "4", events[2].Detail["seq"])
}

func TestLogMinimumCapacity(t *testing.T) {
	l := NewLog(0)
	l.Record(EventAuthFailure, ids.GenerateTestID(), SeverityCritical, nil)
	l.Record(EventAuthFailure, ids.GenerateTestID(), SeverityCritical, nil)
	require.Equal(t, 1, l.Len())
}

func TestSeverityString(t *testing.T) {
	require.Equal(t, "info", SeverityInfo.String())
	require.Equal(t, "warning", SeverityWarning.String())
	require.Equal(t, "critical", SeverityCritical.String())
	require.Equal(t, "unknown", Severity(9).String())
}
