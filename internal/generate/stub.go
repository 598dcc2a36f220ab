package generate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stub is an Invoker for local mode and tests: it fabricates an artifact
// group after an optional delay, or fails with an injected error.
type Stub struct {
	Delay time.Duration
	Err   error
}

func (s *Stub) Generate(ctx context.Context, req Request) (*Result, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}

	n := req.NumOutputs
	if n <= 0 {
		n = 1
	}
	setID := uuid.New().String()
	assets := make([]Asset, n)
	for i := range assets {
		assets[i] = Asset{
			URL:    fmt.Sprintf("local://sets/%s/%d.png", setID, i),
			Format: "image/png",
			Width:  1024,
			Height: 1024,
		}
	}
	return &Result{SetID: setID, Assets: assets}, nil
}

var _ Invoker = (*Stub)(nil)
