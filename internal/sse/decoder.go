package sse

import "strings"

// Record is one server-sent event. Event is empty when the stream carried no
// "event:" field for this record. Data is the newline-joined concatenation of
// every "data:" line in the record.
type Record struct {
	Event string
	Data  string
}

// EventDecoder groups framed lines into records. A record is surfaced only on
// its terminating blank line (or a final Flush); the decoder never emits
// mid-record.
type EventDecoder struct {
	event string
	data  []string
}

// NewEventDecoder returns a decoder with empty accumulators.
func NewEventDecoder() *EventDecoder {
	return &EventDecoder{}
}

// Decode consumes one line and returns the completed record on a blank-line
// boundary, nil otherwise. Comment lines (leading ':') and unknown fields are
// ignored.
func (d *EventDecoder) Decode(line string) *Record {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		if d.event == "" && len(d.data) == 0 {
			return nil
		}
		return d.emit()
	}
	if strings.HasPrefix(line, ":") {
		return nil
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch field {
	case "event":
		d.event = value
	case "data":
		d.data = append(d.data, value)
	}
	return nil
}

// Flush surfaces a record left unterminated at end of stream, if any.
func (d *EventDecoder) Flush() *Record {
	if d.event == "" && len(d.data) == 0 {
		return nil
	}
	return d.emit()
}

func (d *EventDecoder) emit() *Record {
	rec := &Record{Event: d.event, Data: strings.Join(d.data, "\n")}
	d.event = ""
	d.data = nil
	return rec
}
