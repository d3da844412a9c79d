package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies one upstream response. It is decided once, here, and the rest
// of the pipeline only switches on it.
type Kind int

const (
	// KindSuccess carries decoded results.
	KindSuccess Kind = iota
	// KindThrottled means the API asked us to back off; Detail holds its message.
	KindThrottled
	// KindClientError means the request itself is bad (e.g. an invalid symbol).
	KindClientError
	// KindMalformed means the body could not be decoded (HTML, truncated JSON, wrong shapes).
	KindMalformed
	// KindTransient covers timeouts, connection errors and 5xx responses.
	KindTransient
	// KindUnexpected is well-formed JSON with neither results nor a detail message.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindThrottled:
		return "throttled"
	case KindClientError:
		return "client_error"
	case KindMalformed:
		return "malformed"
	case KindTransient:
		return "transient"
	case KindUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the non-generic part of a Result.
type Outcome struct {
	Kind   Kind
	Status int
	Detail string
	Err    error
}

func (o Outcome) String() string {
	s := fmt.Sprintf("%s status=%d", o.Kind, o.Status)
	if o.Detail != "" {
		s += fmt.Sprintf(" detail=%q", o.Detail)
	}
	if o.Err != nil {
		s += " err=" + o.Err.Error()
	}
	return s
}

// Result is a classified response. Items may contain nil entries when the API
// returned null for an element; callers skip them.
type Result[T any] struct {
	Outcome
	Items []*T
	Next  string
}

type envelope struct {
	Results json.RawMessage `json:"results"`
	Next    *string         `json:"next"`
	Detail  *string         `json:"detail"`
}

// Parse classifies a raw response body.
func Parse[T any](status int, body []byte) Result[T] {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		kind := KindMalformed
		if status >= http.StatusInternalServerError {
			kind = KindTransient
		}
		return Result[T]{Outcome: Outcome{Kind: kind, Status: status, Err: fmt.Errorf("decode envelope: %w", err)}}
	}

	detail := ""
	if env.Detail != nil {
		detail = *env.Detail
	}
	hasResults := len(env.Results) > 0 && string(env.Results) != "null"

	switch {
	case !hasResults && (status == http.StatusBadRequest || status == http.StatusNotFound):
		return Result[T]{Outcome: Outcome{Kind: KindClientError, Status: status, Detail: detail}}

	case hasResults && status < http.StatusMultipleChoices:
		var items []*T
		if err := json.Unmarshal(env.Results, &items); err != nil {
			return Result[T]{Outcome: Outcome{Kind: KindMalformed, Status: status, Err: fmt.Errorf("decode results: %w", err)}}
		}
		next := ""
		if env.Next != nil {
			next = *env.Next
		}
		return Result[T]{Outcome: Outcome{Kind: KindSuccess, Status: status}, Items: items, Next: next}

	case detail != "" || status == http.StatusTooManyRequests:
		return Result[T]{Outcome: Outcome{Kind: KindThrottled, Status: status, Detail: detail}}

	case status >= http.StatusInternalServerError:
		return Result[T]{Outcome: Outcome{Kind: KindTransient, Status: status, Err: fmt.Errorf("%w: %d", ErrUnexpectedStatus, status)}}

	default:
		return Result[T]{Outcome: Outcome{Kind: KindUnexpected, Status: status}}
	}
}
