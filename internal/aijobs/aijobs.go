// Package aijobs drives the post-call analysis queue: it claims
// pending jobs from the store, renders the room transcript into a
// prompt, runs the completion, and writes the result back.
package aijobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vollawetscher/media-worker/internal/observe"
	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/pkg/provider/llm"
)

const (
	// DefaultPollInterval paces the queue poll when it runs dry.
	DefaultPollInterval = 10 * time.Second

	// MaxAttempts bounds retries before a job terminates as failed.
	MaxAttempts = 3

	// jobTimeout bounds one completion round-trip.
	jobTimeout = 2 * time.Minute
)

// prompts maps canonical job types to their analysis instructions.
var prompts = map[string]string{
	"summary":           "Summarize this meeting transcript in a few concise paragraphs. Cover the main topics discussed and any decisions made.",
	"action_items":      "Extract every action item from this meeting transcript as a bullet list. Include the owner when the transcript names one.",
	"sentiment":         "Analyze the overall sentiment of this meeting transcript. Describe the tone of the conversation and any notable shifts.",
	"speaker_analytics": "Analyze speaker participation in this meeting transcript: who spoke most, how balanced the conversation was, and any notable interaction patterns.",
}

// Store is the queue and transcript surface the driver reads and
// writes.
type Store interface {
	ClaimNextAIJob(ctx context.Context) (*store.AIJob, error)
	CompleteAIJob(ctx context.Context, jobID, result string) error
	FailAIJob(ctx context.Context, jobID, reason string, maxAttempts int) error
	TranscriptTextForRoom(ctx context.Context, roomID string) (string, error)
}

// Driver polls the queue and runs jobs one at a time.
type Driver struct {
	st       Store
	provider llm.Provider
	metrics  *observe.Metrics
	interval time.Duration
}

// New creates a Driver. interval <= 0 selects the default.
func New(st Store, provider llm.Provider, metrics *observe.Metrics, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Driver{st: st, provider: provider, metrics: metrics, interval: interval}
}

// Run polls until ctx is cancelled. After finishing a job it
// immediately tries the next one; the interval only paces the empty
// queue.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		worked, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("ai job cycle failed", "err", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one job. Returns true when a job
// was claimed (regardless of its outcome).
func (d *Driver) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.st.ClaimNextAIJob(ctx)
	if err != nil {
		return false, fmt.Errorf("aijobs: claim: %w", err)
	}
	if job == nil {
		return false, nil
	}

	slog.Info("ai job claimed",
		"job_id", job.ID, "room_id", job.RoomID,
		"job_type", job.JobType, "attempt", job.Attempts,
	)

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	result, err := d.execute(jobCtx, job)
	cancel()

	// Job rows are always resolved, even when the room context died.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()

	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordAIJob(closeCtx, job.JobType, "failed")
		}
		slog.Warn("ai job failed", "job_id", job.ID, "job_type", job.JobType, "err", err)
		if ferr := d.st.FailAIJob(closeCtx, job.ID, err.Error(), MaxAttempts); ferr != nil {
			return true, fmt.Errorf("aijobs: record failure: %w", ferr)
		}
		return true, nil
	}

	if d.metrics != nil {
		d.metrics.RecordAIJob(closeCtx, job.JobType, "completed")
	}
	if cerr := d.st.CompleteAIJob(closeCtx, job.ID, result); cerr != nil {
		return true, fmt.Errorf("aijobs: record result: %w", cerr)
	}
	slog.Info("ai job completed", "job_id", job.ID, "job_type", job.JobType)
	return true, nil
}

// execute renders the prompt and runs the completion.
func (d *Driver) execute(ctx context.Context, job *store.AIJob) (string, error) {
	prompt, ok := prompts[job.JobType]
	if !ok {
		return "", fmt.Errorf("unknown job type %q", job.JobType)
	}

	transcript, err := d.st.TranscriptTextForRoom(ctx, job.RoomID)
	if err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}
	if transcript == "" {
		return "", fmt.Errorf("room %s has no transcript", job.RoomID)
	}

	resp, err := d.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages: []llm.Message{
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		if d.metrics != nil {
			d.metrics.ProviderErrors.Add(ctx, 1)
		}
		return "", fmt.Errorf("completion: %w", err)
	}
	if resp.Content == "" {
		return "", fmt.Errorf("empty completion for job type %q", job.JobType)
	}
	return resp.Content, nil
}
