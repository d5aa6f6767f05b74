package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leofalp/agentcanvas/core/retry"
	"github.com/leofalp/agentcanvas/core/stream"
	"github.com/leofalp/agentcanvas/core/template"
	"github.com/leofalp/agentcanvas/core/workflow"
	"github.com/leofalp/agentcanvas/internal/jsonschema"
	"github.com/leofalp/agentcanvas/internal/utils"
	"github.com/leofalp/agentcanvas/providers/ai"
	"github.com/leofalp/agentcanvas/providers/observability"
	"github.com/leofalp/agentcanvas/providers/skill"
)

// nodeRun is one invocation of a node handler.
type nodeRun struct {
	run   *run
	node  workflow.Node
	input any
	scope template.Scope

	attempts int
	usage    *ai.Usage
}

func (n *nodeRun) execute(ctx context.Context) (any, error) {
	switch data := n.node.Data.(type) {
	case workflow.InputData:
		return n.executeInput(data)
	case workflow.LLMData:
		return n.executeLLM(ctx, data)
	case workflow.SkillData:
		return n.executeSkill(ctx, data)
	case workflow.TransformData:
		return n.executeTransform(data)
	case workflow.OutputData:
		return n.executeOutput(data)
	default:
		return nil, fmt.Errorf("%w: no handler for node type %q", workflow.ErrInvalidNodeData, n.node.Type)
	}
}

func (n *nodeRun) executeInput(data workflow.InputData) (any, error) {
	if err := jsonschema.Validate(data.Schema, n.input); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	return n.input, nil
}

// executeLLM streams a completion. Transient failures are retried only
// while no token has been published; after that a failure is final.
func (n *nodeRun) executeLLM(ctx context.Context, data workflow.LLMData) (any, error) {
	config := n.run.engine.config
	if config.model == nil {
		return nil, ErrNoModelProvider
	}

	prompt := template.Stringify(n.input)
	if data.PromptTemplate != "" {
		rendered, err := template.Render(data.PromptTemplate, n.scope)
		if err != nil {
			return nil, fmt.Errorf("llm: render prompt: %w", err)
		}
		prompt = rendered
	}

	model := data.Model
	if model == "" {
		model = config.defaultModel
	}
	request := ai.ChatRequest{
		Model:        model,
		SystemPrompt: data.SystemPrompt,
		Messages:     []ai.Message{{Role: ai.RoleUser, Content: prompt}},
	}
	if data.Temperature != nil || data.MaxTokens > 0 {
		request.GenerationConfig = &ai.GenerationConfig{Temperature: data.Temperature, MaxTokens: data.MaxTokens}
	}

	policy := config.retryPolicy
	if data.MaxAttempts > 0 {
		policy.MaxAttempts = data.MaxAttempts
	}

	llmCtx, cancel := context.WithTimeout(ctx, config.llmTimeout)
	defer cancel()

	nodeID := n.node.ID
	watch := newStallWatch(config.stallTimeout, func() {
		if span := observability.SpanFromContext(ctx); span != nil {
			span.AddEvent(observability.EventLLMStall)
		}
		n.run.publishDetail(ctx, nodeID, stream.DetailStalled, 0, nil)
	})
	defer watch.stop()

	var content strings.Builder
	streamed := false
	attempts, err := retry.Do(llmCtx, policy, func(attemptCtx context.Context, _ int) error {
		chatStream, err := ai.Stream(attemptCtx, config.model, request)
		if err != nil {
			return err
		}
		for event, err := range chatStream.Iter() {
			if err != nil {
				return err
			}
			switch event.Type {
			case ai.StreamEventContent:
				if event.Content == "" {
					continue
				}
				if !streamed {
					streamed = true
					if span := observability.SpanFromContext(ctx); span != nil {
						span.AddEvent(observability.EventLLMFirstToken)
					}
				}
				watch.touch()
				content.WriteString(event.Content)
				n.run.publishToken(ctx, nodeID, event.Content)
			case ai.StreamEventUsage:
				n.usage = n.usage.Add(event.Usage)
			case ai.StreamEventError:
				return retry.Transient(errors.New(event.Error))
			}
		}
		return nil
	},
		retry.WithClassifier(func(err error) bool {
			return !streamed && retry.IsTransient(err)
		}),
		retry.WithOnRetry(func(attempt retry.Attempt) {
			observeNodeRetry(ctx, nodeID, attempt.Number, attempt.Delay, attempt.Err)
			n.run.publishDetail(ctx, nodeID, stream.DetailRetrying, attempt.Number+1, attempt.Err)
		}),
	)
	n.attempts = attempts

	if n.usage != nil {
		observeTokenUsage(ctx, model, n.usage.PromptTokens, n.usage.CompletionTokens)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("llm: no completion within %s: %w", config.llmTimeout, err)
		}
		return nil, fmt.Errorf("llm: %w", err)
	}
	return content.String(), nil
}

// executeSkill calls an external API with a per-attempt timeout and
// capped exponential backoff between transient failures.
func (n *nodeRun) executeSkill(ctx context.Context, data workflow.SkillData) (any, error) {
	config := n.run.engine.config

	descriptor := skill.Descriptor{ID: n.node.ID}
	if data.SkillID != "" {
		if config.catalog == nil {
			return nil, ErrNoSkillCatalog
		}
		resolved, err := config.catalog.Skill(ctx, data.SkillID)
		if err != nil {
			return nil, err
		}
		descriptor = resolved
	}
	descriptor = descriptor.Override(skill.Descriptor{
		Endpoint:      data.Endpoint,
		HTTPMethod:    data.HTTPMethod,
		AuthType:      skill.AuthType(data.AuthType),
		CredentialRef: data.CredentialRef,
	})

	payload, err := n.skillPayload(data.InputMapping)
	if err != nil {
		return nil, err
	}

	timeout := config.skillTimeout
	if data.TimeoutSeconds > 0 {
		timeout = time.Duration(data.TimeoutSeconds) * time.Second
	}
	policy := config.retryPolicy
	if data.MaxAttempts > 0 {
		policy.MaxAttempts = data.MaxAttempts
	}

	nodeID := n.node.ID
	var response *skill.Response
	attempts, err := retry.Do(ctx, policy, func(attemptCtx context.Context, _ int) error {
		attemptCtx, cancel := context.WithTimeout(attemptCtx, timeout)
		defer cancel()
		result, err := config.skillCaller.Call(attemptCtx, descriptor, payload)
		if err != nil {
			return err
		}
		response = result
		return nil
	}, retry.WithOnRetry(func(attempt retry.Attempt) {
		observeNodeRetry(ctx, nodeID, attempt.Number, attempt.Delay, attempt.Err)
		n.run.publishDetail(ctx, nodeID, stream.DetailRetrying, attempt.Number+1, attempt.Err)
	}))
	n.attempts = attempts
	if err != nil {
		return nil, err
	}
	return response.Body, nil
}

// skillPayload maps upstream values into the request. Expressions holding
// a placeholder are rendered as templates; anything else is a dot path. An
// empty mapping forwards the input, wrapped as {"input": value} when it is
// not an object.
func (n *nodeRun) skillPayload(mapping map[string]string) (map[string]any, error) {
	if len(mapping) == 0 {
		if object, ok := n.input.(map[string]any); ok {
			return object, nil
		}
		if n.input == nil {
			return map[string]any{}, nil
		}
		return map[string]any{"input": n.input}, nil
	}

	payload := make(map[string]any, len(mapping))
	for field, expression := range mapping {
		if strings.Contains(expression, "{{") {
			rendered, err := template.Render(expression, n.scope)
			if err != nil {
				return nil, fmt.Errorf("skill: map %q: %w", field, err)
			}
			payload[field] = rendered
			continue
		}
		value, err := n.scope.Resolve(expression)
		if err != nil {
			return nil, fmt.Errorf("skill: map %q: %w", field, err)
		}
		payload[field] = value
	}
	return payload, nil
}

func (n *nodeRun) executeTransform(data workflow.TransformData) (any, error) {
	value := n.input
	if data.FieldPath != "" && data.TransformType != workflow.TransformTemplate {
		resolved, err := n.scope.Resolve(data.FieldPath)
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		value = resolved
	}

	switch data.TransformType {
	case workflow.TransformExtract:
		return value, nil

	case workflow.TransformTemplate:
		rendered, err := template.Render(data.Template, n.scope)
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		return rendered, nil

	case workflow.TransformJSONParse:
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: json_parse expects a string, got %T", ErrUnsupportedInput, value)
		}
		parsed, err := utils.ParseJSON(text, data.Lenient)
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		return parsed, nil

	case workflow.TransformJSONStringify:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("transform: json_stringify: %w", err)
		}
		return string(encoded), nil

	case workflow.TransformArrayJoin:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: array_join expects an array, got %T", ErrUnsupportedInput, value)
		}
		separator := data.Separator
		if separator == "" {
			separator = DefaultArraySeparator
		}
		parts := make([]string, len(items))
		for index, item := range items {
			parts[index] = template.Stringify(item)
		}
		return strings.Join(parts, separator), nil

	default:
		return nil, fmt.Errorf("%w: transform type %q", workflow.ErrInvalidNodeData, data.TransformType)
	}
}

// executeOutput copies the listed fields, keyed by their path, or the whole
// input when no field is listed.
func (n *nodeRun) executeOutput(data workflow.OutputData) (any, error) {
	if len(data.Fields) == 0 {
		return n.input, nil
	}

	output := make(map[string]any, len(data.Fields))
	for _, field := range data.Fields {
		value, err := n.scope.Resolve(field)
		if err != nil {
			if data.CollectPartial {
				continue
			}
			return nil, fmt.Errorf("output: %w", err)
		}
		output[field] = value
	}
	return output, nil
}

// stallWatch calls onStall every timeout while no activity is reported.
type stallWatch struct {
	timeout time.Duration
	onStall func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newStallWatch(timeout time.Duration, onStall func()) *stallWatch {
	watch := &stallWatch{timeout: timeout, onStall: onStall}
	watch.mu.Lock()
	defer watch.mu.Unlock()
	watch.timer = time.AfterFunc(timeout, watch.fire)
	return watch
}

func (w *stallWatch) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer.Reset(w.timeout)
	w.mu.Unlock()
	w.onStall()
}

func (w *stallWatch) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer.Reset(w.timeout)
	}
}

func (w *stallWatch) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
