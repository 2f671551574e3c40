// Package orchestrator implements the turn-processing core: it owns
// conversation transcripts, consults the completion provider with the
// tool catalog, applies the approval gate for high-impact actions,
// dispatches tool invocations, and folds results back into the
// transcript.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudvoice/cloudvoice/internal/events"
	"github.com/cloudvoice/cloudvoice/internal/llm"
	"github.com/cloudvoice/cloudvoice/internal/tools"
)

// DefaultSystemPrompt seeds every new conversation.
const DefaultSystemPrompt = "You are CloudVoice, a voice assistant for cloud infrastructure. " +
	"You help users estimate carbon footprints, deploy cloud instances, and look up " +
	"best practices for sustainable AI workloads. Use the provided tools when a request " +
	"calls for them. Be concise."

// Default timeouts for the two blocking collaborators.
const (
	DefaultProviderTimeout = 2 * time.Minute
	DefaultHostTimeout     = 30 * time.Second
)

// PendingAction describes a gated action awaiting explicit approval.
// It travels only in the HTTP response; the caller re-issues the
// request with approved=true to execute.
type PendingAction struct {
	Tool         string `json:"tool"`
	InstanceType string `json:"instance_type"`
	Hours        int    `json:"hours,omitempty"`
}

// Reply is the outcome of one conversational turn.
type Reply struct {
	Response         string         `json:"response"`
	ToolUsed         string         `json:"tool_used,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	PendingAction    *PendingAction `json:"pending_action,omitempty"`
	ConversationID   string         `json:"conversation_id"`
}

// Recorder persists the audit trail. Satisfied by *history.Store.
type Recorder interface {
	AddMessage(conversationID string, msg llm.Message) error
	RecordToolCall(conversationID, toolCallID, toolName, arguments string) error
	CompleteToolCall(toolCallID, result, errMsg string) error
}

// Orchestrator processes conversational turns.
type Orchestrator struct {
	logger   *slog.Logger
	llm      llm.Client
	model    string
	registry *tools.Registry
	sessions *sessionStore

	recorder Recorder
	bus      *events.Bus

	providerTimeout time.Duration
	hostTimeout     time.Duration
}

// New creates an orchestrator over the given provider client and tool
// registry.
func New(logger *slog.Logger, client llm.Client, model string, registry *tools.Registry) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:          logger,
		llm:             client,
		model:           model,
		registry:        registry,
		sessions:        newSessionStore(DefaultSystemPrompt),
		providerTimeout: DefaultProviderTimeout,
		hostTimeout:     DefaultHostTimeout,
	}
}

// SetRecorder configures audit persistence. Optional.
func (o *Orchestrator) SetRecorder(r Recorder) {
	o.recorder = r
}

// SetBus configures telemetry publishing. Optional; the bus is
// nil-safe, so publish sites need no guards.
func (o *Orchestrator) SetBus(b *events.Bus) {
	o.bus = b
}

// SetTimeouts overrides the provider and tool-host call timeouts.
// Zero values keep the current setting.
func (o *Orchestrator) SetTimeouts(provider, host time.Duration) {
	if provider > 0 {
		o.providerTimeout = provider
	}
	if host > 0 {
		o.hostTimeout = host
	}
}

// Transcript returns a copy of a conversation's transcript, or nil if
// the conversation is unknown. Intended for tests and diagnostics.
func (o *Orchestrator) Transcript(conversationID string) []llm.Message {
	o.sessions.mu.Lock()
	s, ok := o.sessions.sessions[conversationID]
	o.sessions.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// ProcessTurn runs one conversational turn to completion. An empty
// conversationID starts a new conversation; the assigned ID is
// returned in the reply. Turns on the same conversation are
// serialized.
func (o *Orchestrator) ProcessTurn(ctx context.Context, conversationID, prompt string, approved bool) (*Reply, error) {
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	sess := o.sessions.get(conversationID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	o.logger.Info("turn started",
		"conversation", sess.id,
		"approved", approved,
		"transcript_len", len(sess.messages),
	)

	// Whatever goes wrong below, a transcript must never rest with an
	// unanswered tool invocation request.
	var turnErr error
	defer func() {
		if turnErr != nil && sess.popDanglingToolCall() {
			o.logger.Warn("rolled back dangling tool call", "conversation", sess.id)
		}
	}()

	o.appendMessage(sess, llm.Message{Role: "user", Content: prompt})

	resp, err := o.consultProvider(ctx, sess.snapshot(), o.registry.List())
	if err != nil {
		turnErr = err
		return nil, fmt.Errorf("completion provider: %w", err)
	}

	// Free text: append and return verbatim.
	if len(resp.Message.ToolCalls) == 0 {
		o.appendMessage(sess, resp.Message)
		o.logger.Info("turn completed", "conversation", sess.id, "tool_used", "")
		return &Reply{Response: resp.Message.Content, ConversationID: sess.id}, nil
	}

	// The provider chose a tool. At most one call is honored.
	tc := resp.Message.ToolCalls[0]
	if tc.ID == "" {
		tc.ID = uuid.New().String()
	}
	name := tc.Function.Name

	// Append the pending invocation request, then resolve it on every
	// path below: answer it, or pop it and substitute free text.
	pending := llm.Message{
		Role:      "assistant",
		Content:   resp.Message.Content,
		ToolCalls: []llm.ToolCall{tc},
	}
	sess.append(pending)

	tool := o.registry.Get(name)
	if tool == nil {
		sess.popDanglingToolCall()
		rejection := fmt.Sprintf("I can't help with that: the requested tool %q is not available.", name)
		o.appendMessage(sess, llm.Message{Role: "assistant", Content: rejection})
		o.logger.Warn("provider requested unknown tool", "conversation", sess.id, "tool", name)
		return &Reply{Response: rejection, ConversationID: sess.id}, nil
	}

	args := tools.CoerceArguments(tool.Parameters, tc.Function.Arguments)
	instance, _ := args["instance_type"].(string)
	hours, _ := args["hours"].(int)

	// High-impact gate: any action against a high-performance instance
	// needs explicit approval, re-evaluated on every turn.
	if instance != "" && tools.HighImpact(instance) && !approved {
		sess.popDanglingToolCall()
		question := fmt.Sprintf(
			"This action targets the high-performance instance type %q and requires approval. "+
				"Re-send your request with approval to proceed.", instance)
		o.appendMessage(sess, llm.Message{Role: "assistant", Content: question})

		o.logger.Info("approval required",
			"conversation", sess.id,
			"tool", name,
			"instance_type", instance,
		)
		o.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceOrchestrator,
			Kind:      events.KindApprovalRequired,
			Data: map[string]any{
				"conversation_id": sess.id,
				"tool":            name,
				"instance_type":   instance,
			},
		})
		return &Reply{
			Response:         question,
			ToolUsed:         name,
			RequiresApproval: true,
			PendingAction:    &PendingAction{Tool: name, InstanceType: instance, Hours: hours},
			ConversationID:   sess.id,
		}, nil
	}

	// Record the pending request now that it will be dispatched.
	o.recordMessage(sess.id, pending)
	argsJSON, _ := json.Marshal(args)
	if o.recorder != nil {
		if err := o.recorder.RecordToolCall(sess.id, tc.ID, name, string(argsJSON)); err != nil {
			o.logger.Warn("failed to record tool call", "error", err)
		}
	}

	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindToolCall,
		Data:      map[string]any{"conversation_id": sess.id, "tool": name},
	})

	hostCtx, cancel := context.WithTimeout(ctx, o.hostTimeout)
	result, execErr := o.registry.Execute(hostCtx, name, args)
	cancel()

	if o.recorder != nil {
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
		}
		if err := o.recorder.CompleteToolCall(tc.ID, result, errMsg); err != nil {
			o.logger.Warn("failed to complete tool call record", "error", err)
		}
	}
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindToolDone,
		Data: map[string]any{
			"conversation_id": sess.id,
			"tool":            name,
			"ok":              execErr == nil,
			"result":          result,
		},
	})

	// Execution failure folds into the transcript as the tool result
	// and yields a plain reply, never a fault.
	if execErr != nil {
		errText := "Error: " + execErr.Error()
		o.appendMessage(sess, llm.Message{Role: "tool", Content: errText, ToolCallID: tc.ID})
		response := fmt.Sprintf("I tried to run %s but it failed: %v", name, execErr)
		o.appendMessage(sess, llm.Message{Role: "assistant", Content: response})

		o.logger.Error("tool execution failed",
			"conversation", sess.id,
			"tool", name,
			"error", execErr,
		)
		return &Reply{Response: response, ToolUsed: name, ConversationID: sess.id}, nil
	}

	reply, err := o.resolveResult(ctx, sess, tc.ID, name, instance, hours, result)
	if err != nil {
		turnErr = err
		return nil, err
	}

	o.logger.Info("turn completed", "conversation", sess.id, "tool_used", name)
	return reply, nil
}

// resolveResult folds a successful tool result into the transcript and
// shapes the user-facing reply per tool.
func (o *Orchestrator) resolveResult(ctx context.Context, sess *session, callID, name, instance string, hours int, result string) (*Reply, error) {
	o.appendMessage(sess, llm.Message{Role: "tool", Content: result, ToolCallID: callID})

	switch name {
	case tools.NameCarbonFootprint:
		response := fmt.Sprintf("The estimated carbon footprint for %s over %d hours is %s.", instance, hours, result)
		o.appendMessage(sess, llm.Message{Role: "assistant", Content: response})
		return &Reply{
			Response: response,
			ToolUsed: name,
			Data: map[string]any{
				"instance": instance,
				"hours":    hours,
				"result":   result,
			},
			ConversationID: sess.id,
		}, nil

	case tools.NameDeployInstance:
		response := fmt.Sprintf("Deployment of %s has been initiated.", instance)
		o.appendMessage(sess, llm.Message{Role: "assistant", Content: response})
		return &Reply{
			Response: response,
			ToolUsed: name,
			Data: map[string]any{
				"instance": instance,
				"hours":    hours,
			},
			ConversationID: sess.id,
		}, nil

	case tools.NameSearchKnowledge:
		// A miss is terminal and idempotent: the fixed text is both the
		// tool result and the reply.
		if result == tools.KnowledgeMiss {
			o.appendMessage(sess, llm.Message{Role: "assistant", Content: result})
			return &Reply{Response: result, ToolUsed: name, ConversationID: sess.id}, nil
		}

		// A hit gets summarized by the provider with the passage in
		// context. The transcript is already consistent here, so a
		// provider failure needs no rollback.
		summary, err := o.consultProvider(ctx, sess.snapshot(), nil)
		if err != nil {
			return nil, fmt.Errorf("summarize knowledge result: %w", err)
		}
		// The summarizer is consulted without a catalog, but a model
		// can still answer with a tool call. Keep only the text so the
		// transcript never rests on an unanswered request; fall back
		// to the raw passage when there is none.
		response := strings.TrimSpace(summary.Message.Content)
		if response == "" {
			response = result
		}
		o.appendMessage(sess, llm.Message{Role: "assistant", Content: response})
		return &Reply{
			Response:       response,
			ToolUsed:       name,
			Data:           map[string]any{"result": result},
			ConversationID: sess.id,
		}, nil

	default:
		// Registry and dispatch disagree on the catalog; treat as a
		// plain reply carrying the raw result.
		o.appendMessage(sess, llm.Message{Role: "assistant", Content: result})
		return &Reply{Response: result, ToolUsed: name, ConversationID: sess.id}, nil
	}
}

func (o *Orchestrator) consultProvider(ctx context.Context, messages []llm.Message, catalog []map[string]any) (*llm.ChatResponse, error) {
	pctx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	defer cancel()
	return o.llm.Chat(pctx, o.model, messages, catalog)
}

// appendMessage appends to the transcript and mirrors to the audit
// recorder.
func (o *Orchestrator) appendMessage(sess *session, msg llm.Message) {
	sess.append(msg)
	o.recordMessage(sess.id, msg)
}

func (o *Orchestrator) recordMessage(conversationID string, msg llm.Message) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.AddMessage(conversationID, msg); err != nil {
		o.logger.Warn("failed to record message", "error", err)
	}
}
