package remote

import (
	"context"
	"errors"

	"leakwatch/internal/api"
	"leakwatch/internal/result"
)

// Dial connects the wire client and wraps it in a Client. Connection and
// trust-bootstrap failures come back as a classified *result.Error.
func Dial(ctx context.Context, wire api.Options, opts ...Option) (*Client, error) {
	backend, err := api.Dial(ctx, wire)
	if err != nil {
		if errors.Is(err, api.ErrInvalidBaseURL) {
			return nil, &result.Error{
				Kind:    result.KindNotInitialized,
				Message: "dial",
				Remedy:  remedyNotInitialized,
				Cause:   err,
			}
		}
		return nil, classifyFailure("dial "+wire.BaseURL, wire.Local, err)
	}
	return NewClient(backend, opts...)
}
