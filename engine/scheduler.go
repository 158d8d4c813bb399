package engine

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
)

// InitializeSchedules starts all the cron jobs (currently just one)
func (serverHandler *ServerHandler) InitializeSchedules() (*cron.Cron, error) {
	job := func() {
		if _, err := serverHandler.ingressJobFunc(); err != nil && !errors.Is(err, ErrIngestRunning) {
			logger().Error("Ingress job failed", "error", err)
		}
	}

	// Run ingress job immediately at startup in a goroutine
	logger().Info("Running ingress job at startup")
	go job()

	c := cron.New()
	var ingressJob cron.Job = cron.FuncJob(job)
	ingressJob = cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(ingressJob) //ensure we don't kick off another if old one is still running
	if _, err := c.AddJob(fmt.Sprintf("@every %dm", serverHandler.Config.IngressInterval), ingressJob); err != nil {
		return nil, fmt.Errorf("schedule ingress job: %w", err)
	}
	logger().Info("Adding Ingress Job scheduler", "interval_minutes", serverHandler.Config.IngressInterval)
	c.Start()
	return c, nil
}
