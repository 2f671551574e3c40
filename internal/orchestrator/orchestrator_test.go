package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudvoice/cloudvoice/internal/events"
	"github.com/cloudvoice/cloudvoice/internal/llm"
	"github.com/cloudvoice/cloudvoice/internal/tools"
)

// scriptedProvider returns canned responses in order and records the
// calls it receives.
type scriptedProvider struct {
	responses []*llm.ChatResponse
	errs      []error
	calls     int
	lastTools []map[string]any
}

func (p *scriptedProvider) Chat(ctx context.Context, model string, messages []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	i := p.calls
	p.calls++
	p.lastTools = toolDefs
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "ok"}, Done: true}, nil
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) Ping(ctx context.Context) error { return nil }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", Content: content},
		Done:    true,
	}
}

func toolResponse(id, name string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{
			Role:      "assistant",
			ToolCalls: []llm.ToolCall{llm.NewToolCall(id, name, args)},
		},
		Done: true,
	}
}

// fakeHost mirrors the tool host: rate table footprint plus deploy.
type fakeHost struct {
	err   error
	calls int
}

func (f *fakeHost) HasTool(ctx context.Context, name string) (bool, error) {
	return name == tools.NameCarbonFootprint || name == tools.NameDeployInstance, nil
}

func (f *fakeHost) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if name == tools.NameDeployInstance {
		return "DEPLOYMENT_INITIATED", nil
	}
	return "12.00 kg", nil
}

type fakeKB struct {
	text string
}

func (f *fakeKB) LookupText(ctx context.Context, query string) (string, error) {
	return f.text, nil
}

func newOrchestrator(provider llm.Client, host *fakeHost, kb *fakeKB) *Orchestrator {
	reg := tools.NewRegistry()
	reg.RegisterHostTools(host)
	reg.RegisterKnowledgeTool(kb)
	return New(nil, provider, "qwen3:4b", reg)
}

// assertNoDangling fails if the transcript ends with an unanswered
// tool invocation request.
func assertNoDangling(t *testing.T, o *Orchestrator, conversationID string) {
	t.Helper()
	transcript := o.Transcript(conversationID)
	if len(transcript) == 0 {
		t.Fatal("empty transcript")
	}
	last := transcript[len(transcript)-1]
	if last.Role == "assistant" && len(last.ToolCalls) > 0 {
		t.Errorf("transcript ends with unanswered tool call: %+v", last)
	}
}

func TestFreeTextTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		textResponse("Hello! How can I help?"),
	}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	reply, err := o.ProcessTurn(context.Background(), "", "hi there", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if reply.Response != "Hello! How can I help?" {
		t.Errorf("response = %q", reply.Response)
	}
	if reply.ToolUsed != "" {
		t.Errorf("tool_used = %q, want empty", reply.ToolUsed)
	}
	if reply.ConversationID == "" {
		t.Error("expected assigned conversation id")
	}

	transcript := o.Transcript(reply.ConversationID)
	last := transcript[len(transcript)-1]
	if last.Role != "assistant" || last.Content != "Hello! How can I help?" {
		t.Errorf("transcript tail = %+v", last)
	}
}

func TestCatalogDeclaredToProvider(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("hi")}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	if _, err := o.ProcessTurn(context.Background(), "", "hello", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if len(provider.lastTools) != 3 {
		t.Errorf("declared %d tools, want 3", len(provider.lastTools))
	}
}

func TestApprovalGate(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("call-1", tools.NameCarbonFootprint, map[string]any{
			"instance_type": "gpu.large",
			"hours":         float64(10),
		}),
	}}
	host := &fakeHost{}
	o := newOrchestrator(provider, host, &fakeKB{})

	reply, err := o.ProcessTurn(context.Background(), "", "Check carbon for GPU large", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if !reply.RequiresApproval {
		t.Fatal("expected requires_approval")
	}
	if reply.PendingAction == nil {
		t.Fatal("expected pending_action")
	}
	if reply.PendingAction.InstanceType != "gpu.large" {
		t.Errorf("pending instance = %q", reply.PendingAction.InstanceType)
	}
	if reply.PendingAction.Hours != 10 {
		t.Errorf("pending hours = %d", reply.PendingAction.Hours)
	}
	if reply.PendingAction.Tool != tools.NameCarbonFootprint {
		t.Errorf("pending tool = %q", reply.PendingAction.Tool)
	}
	if host.calls != 0 {
		t.Error("host must not be invoked before approval")
	}
	assertNoDangling(t, o, reply.ConversationID)
}

func TestApprovedRetryExecutes(t *testing.T) {
	call := func() *llm.ChatResponse {
		return toolResponse("", tools.NameCarbonFootprint, map[string]any{
			"instance_type": "gpu.large",
			"hours":         float64(10),
		})
	}
	provider := &scriptedProvider{responses: []*llm.ChatResponse{call(), call()}}
	host := &fakeHost{}
	o := newOrchestrator(provider, host, &fakeKB{})

	first, err := o.ProcessTurn(context.Background(), "", "Check carbon for GPU large", false)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if !first.RequiresApproval {
		t.Fatal("expected approval gate on first turn")
	}

	second, err := o.ProcessTurn(context.Background(), first.ConversationID, "Check carbon for GPU large", true)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.RequiresApproval {
		t.Error("approved turn still gated")
	}
	if second.Data["instance"] != "gpu.large" {
		t.Errorf("data.instance = %v", second.Data["instance"])
	}
	if second.Data["result"] != "12.00 kg" {
		t.Errorf("data.result = %v", second.Data["result"])
	}
	if host.calls != 1 {
		t.Errorf("host calls = %d, want 1", host.calls)
	}

	// The tool result must answer a request from the same turn.
	transcript := o.Transcript(second.ConversationID)
	var reqID string
	for _, m := range transcript {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			reqID = m.ToolCalls[0].ID
		}
		if m.Role == "tool" {
			if m.ToolCallID != reqID || reqID == "" {
				t.Errorf("tool result correlation %q does not match request %q", m.ToolCallID, reqID)
			}
		}
	}
	assertNoDangling(t, o, second.ConversationID)
}

func TestApprovalNotPersisted(t *testing.T) {
	call := func() *llm.ChatResponse {
		return toolResponse("", tools.NameDeployInstance, map[string]any{
			"instance_type": "gpu.large",
		})
	}
	provider := &scriptedProvider{responses: []*llm.ChatResponse{call(), call(), call()}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	first, _ := o.ProcessTurn(context.Background(), "", "deploy gpu", false)
	second, _ := o.ProcessTurn(context.Background(), first.ConversationID, "deploy gpu", true)
	if second.RequiresApproval {
		t.Fatal("approved turn gated")
	}

	// A later unapproved turn is gated again.
	third, _ := o.ProcessTurn(context.Background(), first.ConversationID, "deploy gpu again", false)
	if !third.RequiresApproval {
		t.Error("gate must be re-evaluated every turn")
	}
}

func TestLowImpactNeedsNoApproval(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("call-2", tools.NameCarbonFootprint, map[string]any{
			"instance_type": "t3.medium",
			"hours":         float64(48),
		}),
	}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	reply, err := o.ProcessTurn(context.Background(), "", "carbon for t3 medium, 48 hours", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if reply.RequiresApproval {
		t.Error("t3.medium should not be gated")
	}
	if reply.Data["hours"] != 48 {
		t.Errorf("data.hours = %v", reply.Data["hours"])
	}
}

func TestDeployReply(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("call-3", tools.NameDeployInstance, map[string]any{
			"instance_type": "t3.medium",
			"hours":         float64(24),
		}),
	}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	reply, err := o.ProcessTurn(context.Background(), "", "deploy a t3.medium", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !strings.Contains(reply.Response, "initiated") {
		t.Errorf("response = %q", reply.Response)
	}

	transcript := o.Transcript(reply.ConversationID)
	var toolResult string
	for _, m := range transcript {
		if m.Role == "tool" {
			toolResult = m.Content
		}
	}
	if toolResult != "DEPLOYMENT_INITIATED" {
		t.Errorf("tool result = %q", toolResult)
	}
}

func TestKnowledgeMissIdempotent(t *testing.T) {
	query := func() *llm.ChatResponse {
		return toolResponse("", tools.NameSearchKnowledge, map[string]any{
			"query": "how do submarines work",
		})
	}
	provider := &scriptedProvider{responses: []*llm.ChatResponse{query(), query()}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{text: ""})

	first, err := o.ProcessTurn(context.Background(), "", "how do submarines work", false)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	second, err := o.ProcessTurn(context.Background(), first.ConversationID, "how do submarines work", false)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}

	if first.Response != tools.KnowledgeMiss || second.Response != first.Response {
		t.Errorf("miss replies differ: %q vs %q", first.Response, second.Response)
	}
	// A miss never re-consults the provider.
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}
}

func TestKnowledgeHitSummarized(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("call-4", tools.NameSearchKnowledge, map[string]any{
			"query": "reduce inference cost",
		}),
		textResponse("Quantization to 4-bit or 8-bit precision cuts memory usage substantially."),
	}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{
		text: "To reduce LLM inference costs, use quantization (4-bit or 8-bit) which lowers memory usage by up to 75%.",
	})

	reply, err := o.ProcessTurn(context.Background(), "", "how do I reduce inference cost", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !strings.Contains(reply.Response, "Quantization") {
		t.Errorf("response = %q", reply.Response)
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2 (decision + summary)", provider.calls)
	}

	// The passage is folded in as the tool result before the summary.
	transcript := o.Transcript(reply.ConversationID)
	var sawPassage bool
	for _, m := range transcript {
		if m.Role == "tool" && strings.Contains(m.Content, "quantization") {
			sawPassage = true
		}
	}
	if !sawPassage {
		t.Error("passage not folded into transcript")
	}
	assertNoDangling(t, o, reply.ConversationID)
}

// A model consulted for the summary can still answer with a tool call
// even though no catalog was declared. The call must not reach the
// transcript, and the raw passage stands in for the missing text.
func TestKnowledgeSummaryToolCallDropped(t *testing.T) {
	passage := "Spot instances can cut training costs by up to 90% for fault-tolerant workloads."
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("call-9", tools.NameSearchKnowledge, map[string]any{
			"query": "cheap training",
		}),
		toolResponse("call-10", tools.NameCarbonFootprint, map[string]any{
			"instance_type": "t3.medium",
			"hours":         1,
		}),
	}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{text: passage})

	reply, err := o.ProcessTurn(context.Background(), "", "how do I train cheaply", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if reply.Response != passage {
		t.Errorf("response = %q, want raw passage", reply.Response)
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}
	for _, m := range o.Transcript(reply.ConversationID) {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 && m.ToolCalls[0].ID == "call-10" {
			t.Error("summarizer tool call leaked into transcript")
		}
	}
	assertNoDangling(t, o, reply.ConversationID)
}

func TestToolFailureFolded(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("call-5", tools.NameCarbonFootprint, map[string]any{
			"instance_type": "t3.medium",
			"hours":         float64(5),
		}),
	}}
	host := &fakeHost{err: errors.New("subprocess exited unexpectedly")}
	o := newOrchestrator(provider, host, &fakeKB{})

	reply, err := o.ProcessTurn(context.Background(), "", "carbon for t3", false)
	if err != nil {
		t.Fatalf("tool failure must not fault the turn: %v", err)
	}
	if !strings.Contains(reply.Response, "subprocess exited unexpectedly") {
		t.Errorf("response = %q", reply.Response)
	}

	transcript := o.Transcript(reply.ConversationID)
	var toolResult string
	for _, m := range transcript {
		if m.Role == "tool" {
			toolResult = m.Content
		}
	}
	if !strings.Contains(toolResult, "subprocess exited unexpectedly") {
		t.Errorf("tool result = %q", toolResult)
	}
	assertNoDangling(t, o, reply.ConversationID)
}

func TestUnknownToolRejected(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("call-6", "format_disk", map[string]any{}),
	}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	reply, err := o.ProcessTurn(context.Background(), "", "format the disk", false)
	if err != nil {
		t.Fatalf("unknown tool must not fault the turn: %v", err)
	}
	if !strings.Contains(reply.Response, "format_disk") {
		t.Errorf("response = %q", reply.Response)
	}
	assertNoDangling(t, o, reply.ConversationID)
}

func TestProviderFailureRollsBack(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("connection refused")}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	_, err := o.ProcessTurn(context.Background(), "conv-x", "hello", false)
	if err == nil {
		t.Fatal("expected error")
	}
	assertNoDangling(t, o, "conv-x")
}

func TestEmptyPromptRejected(t *testing.T) {
	o := newOrchestrator(&scriptedProvider{}, &fakeHost{}, &fakeKB{})
	if _, err := o.ProcessTurn(context.Background(), "", "", false); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestSeparateConversations(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		textResponse("reply one"),
		textResponse("reply two"),
	}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	a, _ := o.ProcessTurn(context.Background(), "", "first", false)
	b, _ := o.ProcessTurn(context.Background(), "", "second", false)

	if a.ConversationID == b.ConversationID {
		t.Error("fresh turns must get distinct conversations")
	}
	if o.sessions.len() != 2 {
		t.Errorf("sessions = %d, want 2", o.sessions.len())
	}
	// Transcripts stay isolated: system + user + assistant each.
	if got := len(o.Transcript(a.ConversationID)); got != 3 {
		t.Errorf("transcript a length = %d, want 3", got)
	}
}

func TestAuditRecorderWired(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("call-7", tools.NameCarbonFootprint, map[string]any{
			"instance_type": "t3.medium",
			"hours":         float64(2),
		}),
	}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	rec := &memoryRecorder{}
	o.SetRecorder(rec)

	if _, err := o.ProcessTurn(context.Background(), "", "carbon t3 2h", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if len(rec.toolCalls) != 1 {
		t.Fatalf("recorded %d tool calls, want 1", len(rec.toolCalls))
	}
	if rec.toolCalls[0].name != tools.NameCarbonFootprint {
		t.Errorf("recorded tool = %q", rec.toolCalls[0].name)
	}
	if rec.toolCalls[0].result != "12.00 kg" {
		t.Errorf("recorded result = %q", rec.toolCalls[0].result)
	}
}

func TestTurnEventsPublished(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("call-8", tools.NameDeployInstance, map[string]any{
			"instance_type": "gpu.large",
		}),
		toolResponse("call-8", tools.NameDeployInstance, map[string]any{
			"instance_type": "gpu.large",
		}),
	}}
	o := newOrchestrator(provider, &fakeHost{}, &fakeKB{})

	bus := events.NewBus()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)
	o.SetBus(bus)

	reply, err := o.ProcessTurn(context.Background(), "", "deploy a gpu large", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if _, err := o.ProcessTurn(context.Background(), reply.ConversationID, "deploy a gpu large", true); err != nil {
		t.Fatalf("approved ProcessTurn: %v", err)
	}

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{events.KindApprovalRequired, events.KindToolCall, events.KindToolDone}
	if len(kinds) != len(want) {
		t.Fatalf("published kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("published kinds = %v, want %v", kinds, want)
		}
	}
}

type recordedCall struct {
	name   string
	result string
}

type memoryRecorder struct {
	messages  []llm.Message
	toolCalls []recordedCall
	pending   map[string]string
}

func (r *memoryRecorder) AddMessage(conversationID string, msg llm.Message) error {
	r.messages = append(r.messages, msg)
	return nil
}

func (r *memoryRecorder) RecordToolCall(conversationID, toolCallID, toolName, arguments string) error {
	if r.pending == nil {
		r.pending = make(map[string]string)
	}
	r.pending[toolCallID] = toolName
	return nil
}

func (r *memoryRecorder) CompleteToolCall(toolCallID, result, errMsg string) error {
	r.toolCalls = append(r.toolCalls, recordedCall{name: r.pending[toolCallID], result: result})
	return nil
}
