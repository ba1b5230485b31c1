package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// ProgressIndicator receives lifecycle updates from the scheduler loop.
type ProgressIndicator interface {
	StartSuite(totalJobs int)
	StartJob(id, file string)
	CompleteJob(id string, status Status)
	CompleteSuite()
}

type noOpProgressIndicator struct{}

// NewNoOpProgressIndicator creates a progress indicator that does nothing
func NewNoOpProgressIndicator() ProgressIndicator {
	return &noOpProgressIndicator{}
}

func (n *noOpProgressIndicator) StartSuite(totalJobs int)             {}
func (n *noOpProgressIndicator) StartJob(id, file string)             {}
func (n *noOpProgressIndicator) CompleteJob(id string, status Status) {}
func (n *noOpProgressIndicator) CompleteSuite()                       {}

// ConsoleProgressIndicator logs a progress line on a fixed interval while a
// suite runs.
type ConsoleProgressIndicator struct {
	logger   log.Logger
	interval time.Duration
	mu       sync.RWMutex

	stopCh         chan struct{}
	completedJobs  int
	totalJobs      int
	failedJobs     int
	suiteStartTime time.Time

	runningJobs map[string]runningJob
}

type runningJob struct {
	file    string
	started time.Time
}

// NewConsoleProgressIndicator creates a progress indicator that shows updates in the console
func NewConsoleProgressIndicator(logger log.Logger, updateInterval time.Duration) *ConsoleProgressIndicator {
	if updateInterval == 0 {
		updateInterval = 30 * time.Second
	}
	return &ConsoleProgressIndicator{
		logger:      logger,
		interval:    updateInterval,
		runningJobs: make(map[string]runningJob),
	}
}

func (c *ConsoleProgressIndicator) StartSuite(totalJobs int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalJobs = totalJobs
	c.completedJobs = 0
	c.failedJobs = 0
	c.suiteStartTime = time.Now()
	c.runningJobs = make(map[string]runningJob)
	if c.stopCh == nil {
		c.stopCh = make(chan struct{})
		go c.progressReporter(c.stopCh)
	}

	c.logger.Info("Starting suite", "totalJobs", totalJobs)
}

func (c *ConsoleProgressIndicator) StartJob(id, file string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runningJobs[id] = runningJob{file: file, started: time.Now()}
	c.logger.Debug("Job started", "id", id, "file", file, "runningJobs", len(c.runningJobs))
}

func (c *ConsoleProgressIndicator) CompleteJob(id string, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file := c.runningJobs[id].file
	delete(c.runningJobs, id)
	c.completedJobs++
	if status.Failed() {
		c.failedJobs++
	}

	c.logger.Debug("Job completed", "id", id, "file", file, "status", status, "completed", c.completedJobs, "total", c.totalJobs)
}

func (c *ConsoleProgressIndicator) CompleteSuite() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	duration := time.Since(c.suiteStartTime).Truncate(time.Millisecond)
	c.logger.Info("Completed suite", "totalJobs", c.totalJobs, "completed", c.completedJobs, "failed", c.failedJobs, "duration", duration)
	c.runningJobs = make(map[string]runningJob)
}

func (c *ConsoleProgressIndicator) progressReporter(stopCh <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reportProgress()
		case <-stopCh:
			return
		}
	}
}

func (c *ConsoleProgressIndicator) reportProgress() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var percentComplete float64
	if c.totalJobs > 0 {
		percentComplete = float64(c.completedJobs) * 100.0 / float64(c.totalJobs)
	}

	c.logger.Info("Progress update",
		"completed", c.completedJobs,
		"total", c.totalJobs,
		"failed", c.failedJobs,
		"percent", fmt.Sprintf("%.1f%%", percentComplete),
		"numRunning", len(c.runningJobs),
		"longestRunning", formatRunningJobs(c.runningJobs, 3),
	)
}

// formatRunningJobs lists the longest running jobs first.
func formatRunningJobs(running map[string]runningJob, maxShow int) string {
	if len(running) == 0 {
		return ""
	}

	type entry struct {
		file     string
		duration time.Duration
	}
	now := time.Now()
	entries := make([]entry, 0, len(running))
	for _, r := range running {
		entries = append(entries, entry{file: r.file, duration: now.Sub(r.started)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].duration == entries[j].duration {
			return entries[i].file < entries[j].file
		}
		return entries[i].duration > entries[j].duration
	})

	var out []string
	for i, e := range entries {
		if i >= maxShow {
			break
		}
		out = append(out, fmt.Sprintf("%s (%v)", e.file, e.duration.Truncate(time.Second)))
	}
	if len(entries) > maxShow {
		out = append(out, fmt.Sprintf("+%d more", len(entries)-maxShow))
	}
	return strings.Join(out, ", ")
}
