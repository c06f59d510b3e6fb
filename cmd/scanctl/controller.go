package main

import (
	"net/http"

	"github.com/arborcrawl/statescan"
)

// batchController adapts the single batch scanctl's run command already
// started to the status package's Controller interface. Unlike the original
// Flask app, which lazily created a batch on the first /start call, scanctl
// starts its one batch eagerly from the command line; /start and /stop on
// the console report and end that same batch rather than creating new ones.
type batchController struct {
	batch *statescan.Batch
}

func (c batchController) Start(batchName, targetURL string) (alreadyRunning bool, err error) {
	return true, nil
}

func (c batchController) Stop() (wasRunning bool) {
	_ = c.batch.Stop()
	return true
}

func (c batchController) RunningBatch() (batch string, running bool) {
	return c.batch.Name, true
}

func listenAndServeStatus(addr string, handler http.Handler) error {
	return http.ListenAndServe(addr, handler)
}
