// Package gateway wraps the Bedrock Converse API with the fleet's
// throttle discipline: a proactive pre-call delay sized from the last
// call's token usage, a shared mandatory-backoff flag per model, an
// adaptive per-process throttle multiplier, and cross-process pub/sub
// signals so sibling tasks can react to throttling events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/arborworks/arbor/internal/observability"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/models"
)

// ErrInterrupted reports that the task's process record went dead while
// waiting to call the model. The caller should end the turn quietly.
var ErrInterrupted = errors.New("task interrupted during model call")

const (
	// tokensPerMinute sizes the proactive delay from expected token use.
	tokensPerMinute = 200000
	// minDelay floors the proactive delay.
	minDelay = 300 * time.Millisecond
	// nextCallPad is added to the last call's tokens when estimating the
	// next call's cost.
	nextCallPad = 500

	multiplierFloor   = 1.0
	multiplierCeiling = 3.0

	throttleExtraBackoff = 30 * time.Second
	timeoutExtraBackoff  = 60 * time.Second

	defaultMaxAttempts = 5
)

// ConverseAPI is the slice of the Bedrock runtime client the gateway
// uses. Satisfied by *bedrockruntime.Client and by test fakes.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Liveness reports whether a task's runtime process is alive.
type Liveness interface {
	Check(ctx context.Context, taskID string) (alive bool, pid int, cpuPct float64)
}

// Request is one model call.
type Request struct {
	ModelARN string
	TaskID   string
	System   string
	Messages []models.Message
	Tools    []types.Tool
}

// Response is the decoded model output.
type Response struct {
	Content    []models.ContentBlock
	StopReason string
	Usage      models.Usage
}

// Gateway serializes this process's model calls and carries its throttle
// state between them.
type Gateway struct {
	client ConverseAPI
	store  store.Store
	probe  Liveness
	logger *slog.Logger

	maxAttempts   int
	diagnosticDir string
	metrics       *observability.Metrics

	// Injection points for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64

	mu          sync.Mutex
	lastReqTime time.Time
	multiplier  float64
}

// New builds a Gateway around an existing Converse client.
func New(client ConverseAPI, s store.Store, probe Liveness, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:        client,
		store:         s,
		probe:         probe,
		logger:        logger,
		maxAttempts:   defaultMaxAttempts,
		diagnosticDir: os.TempDir(),
		now:           time.Now,
		sleep:         sleepCtx,
		randf:         rand.Float64,
		multiplier:    multiplierFloor,
	}
}

// AWSOptions selects the region and, optionally, explicit credentials.
// When AccessKeyID is empty the default credential chain applies.
type AWSOptions struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Dial creates a Bedrock runtime client and wraps it in a Gateway.
func Dial(ctx context.Context, creds AWSOptions, s store.Store, probe Liveness, logger *slog.Logger) (*Gateway, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if creds.Region != "" {
		opts = append(opts, awsconfig.WithRegion(creds.Region))
	}
	if creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: load AWS config: %w", err)
	}
	return New(bedrockruntime.NewFromConfig(cfg), s, probe, logger), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetMetrics installs the process metrics. Optional.
func (g *Gateway) SetMetrics(m *observability.Metrics) { g.metrics = m }

// Multiplier returns the current throttle multiplier.
func (g *Gateway) Multiplier() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.multiplier
}

// Call performs one Converse request under the throttle discipline.
// Throttling and timeout errors are retried with backoff up to the
// attempt limit; other API errors dump the request to a diagnostic file
// and propagate immediately.
func (g *Gateway) Call(ctx context.Context, req Request) (*Response, error) {
	input := g.buildInput(req)

	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		delay, err := g.proactiveDelay(ctx, req.ModelARN, req.TaskID)
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		lastReq := g.lastReqTime
		g.mu.Unlock()
		if !lastReq.IsZero() {
			wait := delay - g.now().Sub(lastReq)
			if err := g.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		started := g.now()
		output, err := g.client.Converse(ctx, input)
		if err == nil {
			elapsed := g.now().Sub(started)
			g.logger.Info("model call succeeded",
				"task_id", req.TaskID, "model", req.ModelARN,
				"elapsed", elapsed.Round(100*time.Millisecond))
			g.mu.Lock()
			g.lastReqTime = g.now()
			g.multiplier = max(multiplierFloor, g.multiplier*0.9)
			multiplier := g.multiplier
			g.mu.Unlock()
			if g.metrics != nil {
				g.metrics.ModelRequestDuration.WithLabelValues(req.ModelARN).Observe(elapsed.Seconds())
				g.metrics.ModelRequestCounter.WithLabelValues(req.ModelARN, "success").Inc()
				g.metrics.ThrottleMultiplier.WithLabelValues(req.ModelARN).Set(multiplier)
			}
			g.publishEvent(ctx, store.ThrottleSuccessChannel(req.ModelARN), req.TaskID, "")
			return g.decode(output)
		}
		lastErr = err

		code, extra, throttled := classify(err)
		if !throttled {
			path := g.dumpRequest(req)
			g.logger.Error("model call failed",
				"task_id", req.TaskID, "model", req.ModelARN,
				"error_code", code, "error", err, "diagnostic", path)
			if g.metrics != nil {
				g.metrics.ModelRequestCounter.WithLabelValues(req.ModelARN, "error").Inc()
			}
			return nil, fmt.Errorf("gateway: converse: %w", err)
		}

		g.mu.Lock()
		g.multiplier = min(multiplierCeiling, g.multiplier*1.5)
		multiplier := g.multiplier
		backoff := time.Duration(float64(delay) * g.multiplier)
		g.mu.Unlock()
		if g.metrics != nil {
			g.metrics.ModelRequestCounter.WithLabelValues(req.ModelARN, "throttled").Inc()
			g.metrics.ThrottleMultiplier.WithLabelValues(req.ModelARN).Set(multiplier)
		}
		g.publishEvent(ctx, store.ThrottleExceptionChannel(req.ModelARN), req.TaskID, code)
		g.logger.Warn("model call throttled",
			"task_id", req.TaskID, "model", req.ModelARN,
			"error_code", code, "attempt", attempt+1,
			"backoff", (backoff + extra).Round(time.Second))
		if err := g.sleep(ctx, backoff+extra); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("gateway: converse: attempts exhausted: %w", lastErr)
}

func (g *Gateway) buildInput(req Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.ModelARN),
		Messages: toBedrockMessages(req.Messages),
		System:   []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}},
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = &types.ToolConfiguration{Tools: req.Tools}
	}
	return input
}

func (g *Gateway) decode(output *bedrockruntime.ConverseOutput) (*Response, error) {
	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("gateway: unexpected output type %T", output.Output)
	}
	resp := &Response{
		Content:    fromBedrockContent(msg.Value.Content),
		StopReason: string(output.StopReason),
	}
	if output.Usage != nil {
		resp.Usage = models.Usage{
			InputTokens:  int(aws.ToInt32(output.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
		}
	}
	return resp, nil
}

// proactiveDelay honors a pending mandatory backoff for the model and
// sizes the pre-call delay from the task's last token usage. Returns
// ErrInterrupted when the task's process record is no longer alive.
func (g *Gateway) proactiveDelay(ctx context.Context, modelARN, taskID string) (time.Duration, error) {
	if alive, _, _ := g.probe.Check(ctx, taskID); !alive {
		return 0, ErrInterrupted
	}

	state, err := store.GetThrottleState(ctx, g.store, modelARN)
	if err != nil {
		return 0, err
	}
	if state != nil && state.MandatoryBackoff {
		backoff := time.Duration((20 + g.randf()*10) * float64(time.Second))
		g.logger.Info("mandatory backoff", "model", modelARN, "backoff", backoff.Round(time.Second))
		if err := g.sleep(ctx, backoff); err != nil {
			return 0, err
		}
		if err := store.ClearThrottleState(ctx, g.store, modelARN); err != nil {
			return 0, err
		}
		if alive, _, _ := g.probe.Check(ctx, taskID); !alive {
			return 0, ErrInterrupted
		}
	}

	task, err := store.GetTask(ctx, g.store, taskID)
	if err != nil {
		return 0, err
	}
	nextTokens := task.LastUsage.Total() + nextCallPad
	delay := time.Duration(float64(nextTokens) / tokensPerMinute * float64(time.Minute))
	return max(delay, minDelay), nil
}

func (g *Gateway) publishEvent(ctx context.Context, channel, taskID, errorCode string) {
	payload := map[string]any{"task_id": taskID, "timestamp": models.Epoch(g.now())}
	if errorCode != "" {
		payload["error_code"] = errorCode
	}
	if err := g.store.Publish(ctx, channel, payload); err != nil {
		g.logger.Warn("gateway: publish failed", "channel", channel, "error", err)
	}
}

// dumpRequest writes the failing request's full input payload to a
// diagnostic file so the call can be reproduced, and returns the path,
// or "" when the write fails.
func (g *Gateway) dumpRequest(req Request) string {
	toolNames := []string{}
	for _, tool := range req.Tools {
		if spec, ok := tool.(*types.ToolMemberToolSpec); ok {
			toolNames = append(toolNames, aws.ToString(spec.Value.Name))
		}
	}
	data, err := json.MarshalIndent(map[string]any{
		"modelId":  req.ModelARN,
		"task_id":  req.TaskID,
		"system":   req.System,
		"messages": req.Messages,
		"tools":    toolNames,
	}, "", "  ")
	if err != nil {
		return ""
	}
	path := filepath.Join(g.diagnosticDir, fmt.Sprintf("converse_error_%s.json", uuid.NewString()[:6]))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return ""
	}
	return path
}

// classify maps an error to its code, extra backoff, and whether it is a
// throttling event worth retrying.
func classify(err error) (code string, extra time.Duration, throttled bool) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		switch code {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailable", "ServiceUnavailableException":
			return code, throttleExtraBackoff, true
		}
		return code, 0, false
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return "ReadTimeout", timeoutExtraBackoff, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "ReadTimeout", timeoutExtraBackoff, true
	}
	return "Unknown", 0, false
}
