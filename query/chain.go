package query

import (
	"context"
	"errors"
	"sync"
)

// Chain is an ordered list of data sources consulted until one answers.
type Chain struct {
	mu      sync.RWMutex
	sources []DataSource
}

func NewChain(sources ...DataSource) *Chain {
	chain := &Chain{}
	for _, source := range sources {
		if source != nil {
			chain.sources = append(chain.sources, source)
		}
	}
	return chain
}

// Prepend gives source the highest priority.
func (c *Chain) Prepend(source DataSource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sources = append([]DataSource{source}, c.sources...)
}

func (c *Chain) Append(source DataSource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sources = append(c.sources, source)
}

// Remove detaches source and reports whether it was present.
func (c *Chain) Remove(source DataSource) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.sources {
		if existing == source {
			c.sources = append(c.sources[:i:i], c.sources[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Chain) Sources() []DataSource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sources := make([]DataSource, len(c.sources))
	copy(sources, c.sources)
	return sources
}

// Resolution is the outcome of walking the chain once.
type Resolution struct {
	Answer *Answer
	Source DataSource
	// Stale holds the first stale answer met on the way, if any.
	Stale       *Answer
	StaleSource DataSource
}

// Resolve walks the sources in order. The walk stops at the first fresh answer;
// stale answers are recorded and the walk continues. onStale is called for the
// first stale answer before the next source is consulted.
func (c *Chain) Resolve(ctx context.Context, params interface{}, onStale func(source DataSource, answer *Answer)) (*Resolution, error) {
	resolution := &Resolution{}

	for _, source := range c.Sources() {
		answer, err := source.Get(ctx, params)
		if err != nil {
			return resolution, err
		}

		if answer == nil {
			continue
		}

		if !answer.Stale {
			resolution.Answer = answer
			resolution.Source = source
			return resolution, nil
		}

		if resolution.Stale == nil {
			resolution.Stale = answer
			resolution.StaleSource = source
			if onStale != nil {
				onStale(source, answer)
			}
		}
	}

	return resolution, nil
}

// Fill hands result to every source except the one that produced it. A failing
// source does not stop the others; their errors are joined.
func (c *Chain) Fill(ctx context.Context, params interface{}, result interface{}, except DataSource) error {
	var errs []error
	for _, source := range c.Sources() {
		if source == except {
			continue
		}

		if err := source.Set(ctx, params, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
