package statescan

import (
	"context"
	"errors"
)

// Crawler implements C10: one "take a step" iteration tying the navigator,
// the interaction handler and the generator together.
type Crawler struct {
	batch     string
	navigator *Navigator
	handler   *InteractionHandler
}

func NewCrawler(batch string, navigator *Navigator, handler *InteractionHandler) *Crawler {
	return &Crawler{batch: batch, navigator: navigator, handler: handler}
}

// Run implements the work manager's Work contract (C11): build the
// navigation stack, replay it without saving, then attempt to generate and
// execute (with save) one new request. ErrNoMoreEndpoints is swallowed here
// (the state will be flipped explored on the navigator's next pass);
// ErrCrawlingConverged is returned verbatim as the sentinel the work manager
// checks for, not wrapped as an error.
func (c *Crawler) Run(ctx context.Context) error {
	stack, err := c.navigator.Step(ctx)
	if err != nil {
		if errors.Is(err, ErrCrawlingConverged) {
			return ErrCrawlingConverged
		}
		return err
	}

	for _, navReq := range stack {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.handler.Execute(ctx, c.batch, navReq, false, false); err != nil {
			return err
		}
	}

	req, err := c.handler.Generate(ctx)
	if err != nil {
		if errors.Is(err, ErrNoMoreEndpoints) {
			return nil
		}
		return err
	}
	if _, err := c.handler.Execute(ctx, c.batch, req, true, false); err != nil {
		return err
	}
	return nil
}
