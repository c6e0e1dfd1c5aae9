// Package filter turns raw export request parameters into an immutable query descriptor.
package filter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"dataexport/pkg/apierr"
)

// TimeLayout is the accepted timestamp format. Values are interpreted as UTC.
const TimeLayout = "2006-01-02T15:04:05"

// Params are raw request values keyed by parameter name, as in url.Values.
type Params map[string][]string

func (p Params) lookup(names ...string) ([]string, bool) {
	for _, name := range names {
		if v, ok := p[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Descriptor is the canonical record filter. A nil slice or time means no constraint.
type Descriptor struct {
	dataStreams    []string
	participantIDs []string
	timeStart      *time.Time
	timeEnd        *time.Time
}

func NewDescriptor(dataStreams, participantIDs []string, start, end *time.Time) Descriptor {
	d := Descriptor{
		dataStreams:    canonical(dataStreams),
		participantIDs: canonical(participantIDs),
	}
	if start != nil {
		t := start.UTC()
		d.timeStart = &t
	}
	if end != nil {
		t := end.UTC()
		d.timeEnd = &t
	}
	return d
}

func (d Descriptor) DataStreams() []string    { return slices.Clone(d.dataStreams) }
func (d Descriptor) ParticipantIDs() []string { return slices.Clone(d.participantIDs) }

func (d Descriptor) TimeStart() *time.Time {
	if d.timeStart == nil {
		return nil
	}
	t := *d.timeStart
	return &t
}

func (d Descriptor) TimeEnd() *time.Time {
	if d.timeEnd == nil {
		return nil
	}
	t := *d.timeEnd
	return &t
}

func (d Descriptor) Equal(o Descriptor) bool {
	return slices.Equal(d.dataStreams, o.dataStreams) &&
		slices.Equal(d.participantIDs, o.participantIDs) &&
		timeEqual(d.timeStart, o.timeStart) &&
		timeEqual(d.timeEnd, o.timeEnd)
}

// MarshalJSON renders the descriptor for the audit trail.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if d.dataStreams != nil {
		out["data_streams"] = d.dataStreams
	}
	if d.participantIDs != nil {
		out["participant_ids"] = d.participantIDs
	}
	if d.timeStart != nil {
		out["time_start"] = d.timeStart.Format(TimeLayout)
	}
	if d.timeEnd != nil {
		out["time_end"] = d.timeEnd.Format(TimeLayout)
	}
	return json.Marshal(out)
}

// ParticipantCounter counts how many of the given patient ids exist.
type ParticipantCounter interface {
	CountParticipants(ctx context.Context, patientIDs []string) (int, error)
}

type Assembler struct {
	Participants ParticipantCounter
}

func (a *Assembler) Assemble(ctx context.Context, p Params) (Descriptor, error) {
	var (
		streams, participants []string
		start, end            *time.Time
	)

	if raw, ok := p.lookup("data_streams", "dataStreams"); ok {
		values, err := listValues(raw)
		if err != nil {
			return Descriptor{}, apierr.Wrap(apierr.UnknownDataStream, "bad data stream", err)
		}
		for _, v := range values {
			if !IsDataStream(v) {
				return Descriptor{}, apierr.New(apierr.UnknownDataStream, fmt.Sprintf("bad data stream %q", v))
			}
		}
		streams = values
	}

	if raw, ok := p.lookup("user_ids", "participantIds"); ok {
		values, err := listValues(raw)
		if err != nil {
			return Descriptor{}, apierr.Wrap(apierr.UnknownParticipant, "bad patient id", err)
		}
		unique := canonical(values)
		if len(unique) > 0 {
			if a.Participants == nil {
				return Descriptor{}, errors.New("participant counter not configured")
			}
			n, err := a.Participants.CountParticipants(ctx, unique)
			if err != nil {
				return Descriptor{}, fmt.Errorf("count participants: %w", err)
			}
			if n != len(unique) {
				return Descriptor{}, apierr.New(apierr.UnknownParticipant, "bad patient id")
			}
		}
		participants = values
	}

	var err error
	if start, err = timeParam(p, "time_start", "timeStart"); err != nil {
		return Descriptor{}, err
	}
	if end, err = timeParam(p, "time_end", "timeEnd"); err != nil {
		return Descriptor{}, err
	}
	return NewDescriptor(streams, participants, start, end), nil
}

// listValues accepts either a single JSON array of strings or repeated plain values.
func listValues(raw []string) ([]string, error) {
	if len(raw) == 1 && strings.HasPrefix(strings.TrimSpace(raw[0]), "[") {
		var items []any
		if err := json.Unmarshal([]byte(raw[0]), &items); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string list item %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func timeParam(p Params, names ...string) (*time.Time, error) {
	raw, ok := p.lookup(names...)
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	v := raw[len(raw)-1]
	t, err := time.ParseInLocation(TimeLayout, v, time.UTC)
	if err != nil {
		return nil, apierr.Wrap(apierr.MalformedTimestamp, fmt.Sprintf("%s must look like %s", names[0], TimeLayout), err)
	}
	return &t, nil
}

// canonical sorts and de-duplicates. Empty input yields nil.
func canonical(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
