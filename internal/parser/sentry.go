package parser

import (
	"bytes"
	"encoding/json"
	"fmt"

	"prbot/internal/db"
)

// Sentry parses Sentry issue-alert webhooks.
type Sentry struct{}

// NewSentry returns the Sentry parser.
func NewSentry() *Sentry { return &Sentry{} }

func (*Sentry) Source() string { return db.SourceSentry }

type sentryPayload struct {
	Action string      `json:"action" validate:"required"`
	Data   *sentryData `json:"data" validate:"required"`
}

type sentryData struct {
	Event         *sentryEvent `json:"event" validate:"required"`
	TriggeredRule string       `json:"triggered_rule"`
}

type sentryEvent struct {
	EventID     string           `json:"event_id"`
	Project     sentryProjectID  `json:"project"`
	IssueID     string           `json:"issue_id"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Platform    string           `json:"platform"`
	Level       string           `json:"level"`
	Culprit     string           `json:"culprit"`
	Environment string           `json:"environment"`
	Transaction string           `json:"transaction"`
	WebURL      string           `json:"web_url"`
	Exception   *sentryException `json:"exception"`
}

type sentryException struct {
	Values []sentryExceptionValue `json:"values"`
}

type sentryExceptionValue struct {
	Type       string            `json:"type"`
	Value      string            `json:"value"`
	Stacktrace *sentryStacktrace `json:"stacktrace"`
}

type sentryStacktrace struct {
	Frames []sentryFrame `json:"frames"`
}

type sentryFrame struct {
	Filename    string   `json:"filename"`
	AbsPath     string   `json:"abs_path"`
	Function    string   `json:"function"`
	Lineno      int      `json:"lineno"`
	Colno       int      `json:"colno"`
	ContextLine string   `json:"context_line"`
	PreContext  []string `json:"pre_context"`
	PostContext []string `json:"post_context"`
	InApp       *bool    `json:"in_app"`
}

// sentryProjectID accepts the project as either a JSON number or string.
// Zero and null both mean no project.
type sentryProjectID string

func (p *sentryProjectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*p = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = sentryProjectID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("project: %w", err)
		}
		if f, err := n.Float64(); err == nil && f == 0 {
			*p = ""
			return nil
		}
		*p = sentryProjectID(n.String())
	}
	return nil
}

// Parse decodes a Sentry webhook. The last entry of exception.values is
// the raised exception; only its in-app frames are kept and the innermost
// of those is the code location.
func (s *Sentry) Parse(raw []byte) (db.ErrorReport, error) {
	var payload sentryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return db.ErrorReport{}, &ValidationError{Source: s.Source(), Message: err.Error()}
	}
	if err := validateStruct(s.Source(), payload); err != nil {
		return db.ErrorReport{}, err
	}
	event := payload.Data.Event

	var (
		excType, excValue string
		frames            []sentryFrame
	)
	if event.Exception != nil && len(event.Exception.Values) > 0 {
		last := event.Exception.Values[len(event.Exception.Values)-1]
		excType, excValue = last.Type, last.Value
		if last.Stacktrace != nil {
			frames = last.Stacktrace.Frames
		}
	}

	inApp := make([]db.StackFrame, 0, len(frames))
	for _, f := range frames {
		if f.InApp == nil || !*f.InApp {
			continue
		}
		inApp = append(inApp, db.StackFrame{
			Filename:    f.Filename,
			AbsPath:     f.AbsPath,
			Function:    f.Function,
			Lineno:      f.Lineno,
			Colno:       f.Colno,
			ContextLine: f.ContextLine,
			PreContext:  f.PreContext,
			PostContext: f.PostContext,
		})
	}

	report := db.ErrorReport{
		Source:          s.Source(),
		SourceProjectID: string(event.Project),
		SourceIssueID:   firstNonEmpty(event.IssueID, event.EventID, "unknown"),
		Title:           sentryTitle(event.Title, excType, excValue),
		Message:         excValue,
		Level:           event.Level,
		Environment:     event.Environment,
		ExceptionType:   excType,
		Transaction:     event.Transaction,
		Frames:          inApp,
		SourceURL:       event.WebURL,
		RawPayload:      string(raw),
	}
	if n := len(inApp); n > 0 {
		loc := inApp[n-1]
		report.Filename, report.Lineno, report.Function = loc.Filename, loc.Lineno, loc.Function
	}
	return report, nil
}

func sentryTitle(title, excType, excValue string) string {
	switch {
	case title != "":
		return title
	case excType != "" && excValue != "":
		return excType + ": " + excValue
	case excType != "":
		return excType
	default:
		return "Unknown Error"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Summary renders a report as the short multi-line digest printed by
// `prbot parse`.
func Summary(r db.ErrorReport) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "source:       %s\n", r.Source)
	fmt.Fprintf(&b, "issue:        %s\n", r.SourceIssueID)
	if r.SourceProjectID != "" {
		fmt.Fprintf(&b, "project:      %s\n", r.SourceProjectID)
	}
	fmt.Fprintf(&b, "title:        %s\n", r.Title)
	fmt.Fprintf(&b, "environment:  %s\n", orDash(r.Environment))
	fmt.Fprintf(&b, "exception:    %s\n", orDash(r.ExceptionType))
	fmt.Fprintf(&b, "message:      %s\n", orDash(r.Message))
	if r.Filename != "" {
		fmt.Fprintf(&b, "location:     %s:%d in %s\n", r.Filename, r.Lineno, orDash(r.Function))
	}
	if r.Transaction != "" {
		fmt.Fprintf(&b, "transaction:  %s\n", r.Transaction)
	}
	if r.SourceURL != "" {
		fmt.Fprintf(&b, "url:          %s\n", r.SourceURL)
	}
	fmt.Fprintf(&b, "frames:       %d in-app\n", len(r.Frames))
	for i, f := range r.Frames {
		fmt.Fprintf(&b, "  [%d] %s:%d in %s\n", i, f.Filename, f.Lineno, orDash(f.Function))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
