package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Candidate is one backend in a fallback chain.
type Candidate struct {
	Name   string
	Client Client
}

// Observer is notified after every backend attempt.
type Observer func(provider string, err error, elapsed time.Duration)

// Fallback tries its candidates in order and returns the first successful
// response. It holds no state between calls.
type Fallback struct {
	candidates []Candidate
	observe    Observer
	log        *zap.Logger
}

func NewFallback(log *zap.Logger, observe Observer, candidates ...Candidate) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{candidates: candidates, observe: observe, log: log}
}

func (f *Fallback) Generate(ctx context.Context, messages []Message, params Params) (Response, error) {
	if len(f.candidates) == 0 {
		return Response{}, errors.New("no llm backends configured")
	}
	var errs []error
	for _, c := range f.candidates {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		start := time.Now()
		resp, err := c.Client.Generate(ctx, messages, params)
		if f.observe != nil {
			f.observe(c.Name, err, time.Since(start))
		}
		if err == nil {
			if resp.Provider == "" {
				resp.Provider = c.Name
			}
			return resp, nil
		}
		f.log.Warn("llm backend failed", zap.String("provider", c.Name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
	}
	return Response{}, errors.Join(errs...)
}
