package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"leakwatch/internal/model"
)

var (
	ErrMalformedVariant = errors.New("api: result must carry exactly one of ok or err")
	ErrNoRootKey        = errors.New("api: status response carries no root key")
	ErrInvalidBaseURL   = errors.New("api: invalid base URL")
)

// Variant is the remote's two-case result: exactly one of Ok or Err is set.
type Variant[T any] struct {
	Ok  *T
	Err *string
}

func OkVariant[T any](v T) Variant[T] {
	return Variant[T]{Ok: &v}
}

func ErrVariant[T any](msg string) Variant[T] {
	return Variant[T]{Err: &msg}
}

func (v Variant[T]) MarshalJSON() ([]byte, error) {
	switch {
	case v.Ok != nil && v.Err == nil:
		return json.Marshal(struct {
			Ok T `json:"ok"`
		}{*v.Ok})
	case v.Err != nil && v.Ok == nil:
		return json.Marshal(struct {
			Err string `json:"err"`
		}{*v.Err})
	default:
		return nil, ErrMalformedVariant
	}
}

func (v *Variant[T]) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	okRaw, hasOk := raw["ok"]
	errRaw, hasErr := raw["err"]
	if hasOk == hasErr || len(raw) != 1 {
		return ErrMalformedVariant
	}
	*v = Variant[T]{}
	if hasOk {
		if isNull(okRaw) {
			return ErrMalformedVariant
		}
		var val T
		if err := json.Unmarshal(okRaw, &val); err != nil {
			return fmt.Errorf("decode ok case: %w", err)
		}
		v.Ok = &val
		return nil
	}
	if isNull(errRaw) {
		return ErrMalformedVariant
	}
	var msg string
	if err := json.Unmarshal(errRaw, &msg); err != nil {
		return fmt.Errorf("decode err case: %w", err)
	}
	v.Err = &msg
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Value returns the ok case, or a *RejectedError for the err case.
func (v Variant[T]) Value(op string) (T, error) {
	var zero T
	switch {
	case v.Err != nil:
		return zero, &RejectedError{Op: op, Message: *v.Err}
	case v.Ok != nil:
		return *v.Ok, nil
	default:
		return zero, ErrMalformedVariant
	}
}

// RejectedError is the remote's err case: the call arrived and was refused.
type RejectedError struct {
	Op      string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Message)
}

// StatusError is a non-2xx HTTP answer.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

// RecordIPRequest carries a bare address for server-side resolution.
type RecordIPRequest struct {
	IP string `json:"ip"`
}

// RecordVisitRequest carries a client-resolved record.
type RecordVisitRequest struct {
	Record model.LocationRecord `json:"record"`
}

// WhoamiResponse identifies the remote.
type WhoamiResponse struct {
	Identity string `json:"identity"`
}

// StatusResponse is the trust bootstrap answer of a local replica.
type StatusResponse struct {
	RootKey string `json:"root_key"`
}

// ErrorResponse is the body of non-2xx answers.
type ErrorResponse struct {
	Error string `json:"error"`
}
