package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Interval is a half-open busy or free span.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Event is a meeting to book.
type Event struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
}

// Calendar is the booking backend the calendar tools depend on.
type Calendar interface {
	Busy(ctx context.Context, subject string, from, to time.Time) ([]Interval, error)
	Book(ctx context.Context, subject string, ev Event) (string, error)
}

// Hours bounds the bookable part of a day.
type Hours struct {
	StartHour   int
	EndHour     int
	SlotMinutes int
	Location    *time.Location
	MaxSlots    int
}

func (h Hours) withDefaults() Hours {
	if h.EndHour <= h.StartHour {
		h.StartHour, h.EndHour = 9, 17
	}
	if h.SlotMinutes <= 0 {
		h.SlotMinutes = 60
	}
	if h.Location == nil {
		h.Location = time.UTC
	}
	if h.MaxSlots <= 0 {
		h.MaxSlots = 8
	}
	return h
}

// ErrNoSubject is returned when the session has no calendar owner.
var ErrNoSubject = errors.New("no calendar is linked to this agent")

// FreeSlots returns bookable slots in [from, from+days) that do not overlap busy.
func FreeSlots(busy []Interval, from time.Time, days int, hours Hours) []Interval {
	hours = hours.withDefaults()
	busy = slices.Clone(busy)
	slices.SortFunc(busy, func(a, b Interval) int { return a.Start.Compare(b.Start) })

	local := from.In(hours.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, hours.Location)
	slot := time.Duration(hours.SlotMinutes) * time.Minute

	var out []Interval
	for d := 0; d < days; d++ {
		dayStart := day.AddDate(0, 0, d)
		if wd := dayStart.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		y, m, dd := dayStart.Date()
		open := time.Date(y, m, dd, hours.StartHour, 0, 0, 0, hours.Location)
		closeAt := time.Date(y, m, dd, hours.EndHour, 0, 0, 0, hours.Location)
		for start := open; !start.Add(slot).After(closeAt); start = start.Add(slot) {
			if start.Before(from) {
				continue
			}
			candidate := Interval{Start: start, End: start.Add(slot)}
			if overlapsAny(candidate, busy) {
				continue
			}
			out = append(out, candidate)
			if len(out) >= hours.MaxSlots {
				return out
			}
		}
	}
	return out
}

func overlapsAny(c Interval, busy []Interval) bool {
	for _, b := range busy {
		if c.Start.Before(b.End) && b.Start.Before(c.End) {
			return true
		}
	}
	return false
}

// AvailabilityTool builds get_availability.
func AvailabilityTool(cal Calendar, hours Hours, now func() time.Time) Descriptor {
	if now == nil {
		now = time.Now
	}
	hours = hours.withDefaults()
	return Descriptor{
		Name:        "get_availability",
		Description: "Check calendar availability for the next few days",
		Schema: Schema{Properties: map[string]Property{
			"days_ahead": {Type: TypeInteger, Description: "Days ahead to check (default 7)", Min: Bound(1), Max: Bound(30)},
		}},
		Handler: func(ctx context.Context, inv Invocation) (Result, error) {
			if inv.Scope.Subject == "" {
				return Result{}, ErrNoSubject
			}
			days := IntArg(inv.Args, "days_ahead", 7)
			from := now()
			busy, err := cal.Busy(ctx, inv.Scope.Subject, from, from.AddDate(0, 0, days))
			if err != nil {
				return Result{}, fmt.Errorf("query busy times: %w", err)
			}
			slots := FreeSlots(busy, from, days, hours)
			rendered := make([]map[string]string, 0, len(slots))
			for _, s := range slots {
				rendered = append(rendered, map[string]string{
					"start":  s.Start.In(hours.Location).Format(time.RFC3339),
					"end":    s.End.In(hours.Location).Format(time.RFC3339),
					"spoken": s.Start.In(hours.Location).Format("Monday January 2 at 3:04 PM"),
				})
			}
			return Result{Content: map[string]any{
				"timezone": hours.Location.String(),
				"slots":    rendered,
			}}, nil
		},
	}
}

// MeetingTool builds set_meeting.
func MeetingTool(cal Calendar, hours Hours) Descriptor {
	hours = hours.withDefaults()
	return Descriptor{
		Name:        "set_meeting",
		Description: "Schedule a meeting on the calendar",
		Schema: Schema{
			Properties: map[string]Property{
				"meeting_name":     {Type: TypeString, Description: "Title of the meeting"},
				"meeting_time":     {Type: TypeString, Description: "Start time in RFC 3339 format"},
				"duration_minutes": {Type: TypeInteger, Description: "Duration in minutes (default 60)", Min: Bound(5), Max: Bound(480)},
				"description":      {Type: TypeString},
				"location":         {Type: TypeString},
			},
			Required: []string{"meeting_name", "meeting_time"},
		},
		Handler: func(ctx context.Context, inv Invocation) (Result, error) {
			if inv.Scope.Subject == "" {
				return Result{}, ErrNoSubject
			}
			start, err := parseMeetingTime(StringArg(inv.Args, "meeting_time", ""), hours.Location)
			if err != nil {
				return Result{}, &ValidationError{Tool: "set_meeting", Field: "meeting_time", Reason: err.Error()}
			}
			duration := time.Duration(IntArg(inv.Args, "duration_minutes", 60)) * time.Minute
			ev := Event{
				Title:       StringArg(inv.Args, "meeting_name", ""),
				Description: StringArg(inv.Args, "description", ""),
				Location:    StringArg(inv.Args, "location", ""),
				Start:       start,
				End:         start.Add(duration),
			}
			id, err := cal.Book(ctx, inv.Scope.Subject, ev)
			if err != nil {
				return Result{}, fmt.Errorf("book meeting: %w", err)
			}
			return Result{Content: map[string]any{
				"status":   "booked",
				"event_id": id,
				"start":    ev.Start.Format(time.RFC3339),
				"end":      ev.End.Format(time.RFC3339),
				"title":    ev.Title,
			}}, nil
		},
	}
}

func parseMeetingTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("must be an RFC 3339 date-time")
}

// EndCallTool builds end_call. The session hangs up after the goodbye plays.
// The model's summary is logged against the call and kept in the result.
func EndCallTool(logger *slog.Logger) Descriptor {
	if logger == nil {
		logger = slog.Default()
	}
	return Descriptor{
		Name:        "end_call",
		Description: "End the call politely, for example when the caller is trying to sell something",
		Schema: Schema{Properties: map[string]Property{
			"sales_item": {Type: TypeString, Description: "What the caller is trying to sell"},
			"summary":    {Type: TypeString, Description: "Short summary of the call"},
		}},
		Handler: func(ctx context.Context, inv Invocation) (Result, error) {
			content := map[string]any{"status": "ending", "instruction": "Say a brief goodbye."}
			item := StringArg(inv.Args, "sales_item", "")
			if item != "" {
				content["sales_item"] = item
			}
			summary := StringArg(inv.Args, "summary", "")
			if summary != "" {
				content["summary"] = summary
			}
			logger.Info("call summary",
				"call_sid", inv.Scope.CallSID,
				"agent_id", inv.Scope.AgentID,
				"caller", inv.Scope.Caller,
				"sales_item", item,
				"summary", summary,
			)
			return Result{Content: content, EndCall: true}, nil
		},
	}
}
