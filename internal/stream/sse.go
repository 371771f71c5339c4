package stream

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event off the wire.
type Event struct {
	Type string
	ID   string
	Data string
}

// readEvents parses a server-sent event stream, calling emit for each
// complete event. Comment lines (leading ':') are ignored; an event is
// dispatched at the blank line that terminates it. Returns when the
// stream ends or emit returns an error.
func readEvents(r io.Reader, emit func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event Event
	var data []string

	flush := func() error {
		if event.Type == "" && len(data) == 0 && event.ID == "" {
			return nil
		}
		event.Data = strings.Join(data, "\n")
		err := emit(event)
		event = Event{}
		data = nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // heartbeat or comment
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.Type = value
		case "data":
			data = append(data, value)
		case "id":
			event.ID = value
		}
	}

	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}
