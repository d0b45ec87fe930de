// Package parser turns monitoring-service webhook payloads into the
// source-agnostic db.ErrorReport a job is created from.
package parser

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"prbot/internal/db"
)

// ErrUnknownSource is returned by Registry.Get for a source with no parser.
var ErrUnknownSource = errors.New("unknown error source")

// Parser converts one source's raw webhook body into an ErrorReport.
type Parser interface {
	Source() string
	Parse(raw []byte) (db.ErrorReport, error)
}

// ValidationError reports a payload that is not valid JSON or is missing a
// required field.
type ValidationError struct {
	Source  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s payload: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("invalid %s payload: %s: %s", e.Source, e.Field, e.Message)
}

// Registry maps sources to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry holding the given parsers.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[string]Parser, len(parsers))}
	for _, p := range parsers {
		r.parsers[p.Source()] = p
	}
	return r
}

// DefaultRegistry returns the registry of every built-in parser.
func DefaultRegistry() *Registry {
	return NewRegistry(NewSentry())
}

// Get returns the parser for source. Declared sources without a parser
// (cloudwatch, datadog) and unknown names both yield ErrUnknownSource.
func (r *Registry) Get(source string) (Parser, error) {
	p, ok := r.parsers[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return p, nil
}

// Sources lists the registered sources in sorted order.
func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.parsers))
	for s := range r.parsers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

var validate = newValidator()

// newValidator reports fields by their JSON names so a failure reads like
// the payload ("data.event" rather than "Data.Event").
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs struct-tag validation and converts the first failure
// into a *ValidationError.
func validateStruct(source string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{
			Source:  source,
			Field:   fieldPath(fe.Namespace()),
			Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
		}
	}
	return &ValidationError{Source: source, Message: err.Error()}
}

// fieldPath drops the root struct name validator prefixes namespaces with.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
