package stream

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadEvents_ParsesFields(t *testing.T) {
	wire := "event: task.started\nid: 17\ndata: {\"task_id\":\"t1\"}\n\n" +
		"event: task.completed\nid: 18\ndata: {\"task_id\":\"t1\"}\n\n"

	var events []Event
	err := readEvents(strings.NewReader(wire), func(e Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "task.started", events[0].Type)
	require.Equal(t, "17", events[0].ID)
	require.Equal(t, `{"task_id":"t1"}`, events[0].Data)
	require.Equal(t, "18", events[1].ID)
}

func TestReadEvents_IgnoresComments(t *testing.T) {
	wire := ": heartbeat\n\n: heartbeat\n\nevent: ping\ndata: {}\n\n"

	var events []Event
	err := readEvents(strings.NewReader(wire), func(e Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 1, "comment-only blocks are not events")
	require.Equal(t, "ping", events[0].Type)
}

func TestReadEvents_MultiLineData(t *testing.T) {
	wire := "data: line one\ndata: line two\n\n"

	var events []Event
	err := readEvents(strings.NewReader(wire), func(e Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "line one\nline two", events[0].Data)
}

func TestReadEvents_FlushesTrailingEventWithoutBlankLine(t *testing.T) {
	wire := "event: last\ndata: {}\n"

	var events []Event
	err := readEvents(strings.NewReader(wire), func(e Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "last", events[0].Type)
}

func TestReadEvents_EmitErrorStopsParsing(t *testing.T) {
	wire := "event: a\ndata: {}\n\nevent: b\ndata: {}\n\n"

	var seen int
	err := readEvents(strings.NewReader(wire), func(Event) error {
		seen++
		return errors.New("handler gave up")
	})
	require.Error(t, err)
	require.Equal(t, 1, seen)
}
