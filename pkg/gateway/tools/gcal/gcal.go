// Package gcal implements the calendar tools against Google Calendar.
package gcal

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/vango-go/vai-callbridge/pkg/gateway/credentials"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools"
)

// Provider is the credential provider name for Google.
const Provider = "google"

// Calendar talks to the subject's primary calendar.
type Calendar struct {
	creds      credentials.Source
	calendarID string
	opts       []option.ClientOption
}

// New builds a Calendar. When creds is nil the client options must carry
// authentication (or an authenticated HTTP client).
func New(creds credentials.Source, opts ...option.ClientOption) *Calendar {
	return &Calendar{creds: creds, calendarID: "primary", opts: opts}
}

func (c *Calendar) service(ctx context.Context, subject string) (*calendar.Service, error) {
	opts := append([]option.ClientOption(nil), c.opts...)
	if c.creds != nil {
		opts = append(opts, option.WithTokenSource(credentials.TokenSource(ctx, c.creds, Provider, subject)))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar client: %w", err)
	}
	return svc, nil
}

func (c *Calendar) Busy(ctx context.Context, subject string, from, to time.Time) ([]tools.Interval, error) {
	svc, err := c.service(ctx, subject)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: c.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("freebusy query: %w", err)
	}
	cal, ok := resp.Calendars[c.calendarID]
	if !ok {
		return nil, nil
	}
	if len(cal.Errors) > 0 {
		return nil, fmt.Errorf("freebusy: %s", cal.Errors[0].Reason)
	}
	out := make([]tools.Interval, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, fmt.Errorf("freebusy start %q: %w", p.Start, err)
		}
		end, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, fmt.Errorf("freebusy end %q: %w", p.End, err)
		}
		out = append(out, tools.Interval{Start: start, End: end})
	}
	return out, nil
}

func (c *Calendar) Book(ctx context.Context, subject string, ev tools.Event) (string, error) {
	svc, err := c.service(ctx, subject)
	if err != nil {
		return "", err
	}
	created, err := svc.Events.Insert(c.calendarID, &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return created.Id, nil
}
