package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/turnstore/pkg/registry"
	"github.com/go-go-golems/turnstore/pkg/store"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type upsertCall struct {
	conversationID string
	turnID         string
	role           turns.Role
	parts          []turns.Part
	ctxErr         error
}

type recordingFinalizer struct {
	mu    sync.Mutex
	calls []upsertCall
	err   error
}

func (f *recordingFinalizer) UpsertTurn(ctx context.Context, conversationID string, turnID string, role turns.Role, parts []turns.Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, upsertCall{conversationID, turnID, role, parts, ctx.Err()})
	return f.err
}

func (f *recordingFinalizer) Calls() []upsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upsertCall(nil), f.calls...)
}

func weatherInput() map[string]any {
	return map[string]any{"location": "Paris"}
}

func weatherOutput() map[string]any {
	return map[string]any{"location": "Paris", "condition": "sunny", "temperature": 22.0, "unit": "celsius"}
}

func newTestSession(t *testing.T, f Finalizer, options ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession("conv-1", "turn-1", turns.RoleAssistant, f, options...)
	require.NoError(t, err)
	return s
}

func TestParisWeatherScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	defer func() { _ = st.Close() }()

	conv, err := st.CreateConversation(ctx, "weather")
	require.NoError(t, err)
	require.NoError(t, st.UpsertTurn(ctx, conv.ID, "user-1", turns.RoleUser,
		[]turns.Part{turns.NewTextPart("What's the weather in Paris?")}))

	var transient []Delta
	sink := TransientSinkFunc(func(_ string, d Delta) { transient = append(transient, d) })
	s, err := NewSession(conv.ID, "assistant-1", turns.RoleAssistant, st, WithTransientSink(sink))
	require.NoError(t, err)

	call := turns.NewToolPart(registry.ToolGetWeatherInfo, "call_1")
	deltas := make(chan Delta, 16)
	deltas <- Start(0, turns.NewStepStartPart())
	deltas <- Start(1, call)
	deltas <- Delta{TargetPosition: 1, Kind: KindAppend, Payload: &turns.WirePart{Input: map[string]any{"location": "Par"}}}
	deltas <- Replace(1, turns.ToolPart{Tool: call.Tool, ToolCallID: call.ToolCallID, State: turns.ToolStateInputAvailable, Input: weatherInput()})
	deltas <- Replace(1, turns.ToolPart{Tool: call.Tool, ToolCallID: call.ToolCallID, State: turns.ToolStateOutputAvailable, Output: weatherOutput()})
	deltas <- Start(2, turns.NewTextPart(""))
	deltas <- AppendText(2, "It's sunny")
	deltas <- Start(3, turns.NewDataPart(registry.DataKindStatus, "s1", "running", map[string]any{"message": "formatting"}))
	deltas <- AppendText(2, " in Paris.")
	deltas <- Complete()

	require.NoError(t, s.Consume(ctx, deltas))
	assert.Equal(t, OutcomeCompleted, s.Outcome())
	require.Len(t, transient, 1)

	loaded, err := st.LoadTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, turns.RoleUser, loaded[0].Role)
	assert.Equal(t, "assistant-1", loaded[1].ID)
	assert.Equal(t, []turns.Part{
		turns.NewStepStartPart(),
		turns.ToolPart{
			Tool:       registry.ToolGetWeatherInfo,
			ToolCallID: "call_1",
			State:      turns.ToolStateOutputAvailable,
			Input:      weatherInput(),
			Output:     weatherOutput(),
		},
		turns.NewTextPart("It's sunny in Paris."),
	}, loaded[1].Parts)
}

// Replays a stream whose tool replace is addressed by position only and
// whose call never carried an input.
func TestPositionalToolReplaceWithoutInput(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	defer func() { _ = st.Close() }()

	conv, err := st.CreateConversation(ctx, "weather")
	require.NoError(t, err)
	s, err := NewSession(conv.ID, "assistant-1", turns.RoleAssistant, st)
	require.NoError(t, err)

	require.NoError(t, s.Apply(Start(0, turns.NewTextPart("Hi"))))
	require.NoError(t, s.Apply(Start(1, turns.NewToolPart(registry.ToolGetWeatherInfo, "call_1"))))
	require.NoError(t, s.Apply(Delta{
		TargetPosition: 1,
		Kind:           KindReplace,
		Payload: &turns.WirePart{
			Type:   turns.ToolPartType(registry.ToolGetWeatherInfo),
			State:  turns.ToolStateOutputAvailable,
			Output: weatherOutput(),
		},
	}))
	require.NoError(t, s.Complete(ctx))

	expected := []turns.Part{
		turns.NewTextPart("Hi"),
		turns.ToolPart{
			Tool:       registry.ToolGetWeatherInfo,
			ToolCallID: "call_1",
			State:      turns.ToolStateOutputAvailable,
			Input:      map[string]any{},
			Output:     weatherOutput(),
		},
	}
	loaded, err := st.LoadTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, expected, loaded[0].Parts)
}

func TestToolReplaceChecksPositionAgainstCallID(t *testing.T) {
	s := newTestSession(t, &recordingFinalizer{})
	require.NoError(t, s.Apply(Start(0, turns.NewTextPart("Hi"))))
	require.NoError(t, s.Apply(Start(1, turns.NewToolPart(registry.ToolGetWeatherInfo, "c1"))))
	require.NoError(t, s.Apply(Start(2, turns.NewToolPart(registry.ToolGetWeatherInfo, "c2"))))
	before := s.Parts()

	weather := turns.ToolPartType(registry.ToolGetWeatherInfo)
	cases := map[string]Delta{
		"call id at another position": Replace(2, turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c1", State: turns.ToolStateInputAvailable, Input: weatherInput()}),
		"position holds text": {TargetPosition: 0, Kind: KindReplace,
			Payload: &turns.WirePart{Type: weather, State: turns.ToolStateInputAvailable, Input: weatherInput()}},
		"position out of range": {TargetPosition: 3, Kind: KindReplace,
			Payload: &turns.WirePart{Type: weather, State: turns.ToolStateInputAvailable, Input: weatherInput()}},
		"tool type mismatch": {TargetPosition: 1, Kind: KindReplace,
			Payload: &turns.WirePart{Type: turns.ToolPartType(registry.ToolConfirmAction), State: turns.ToolStateInputAvailable, Input: map[string]any{"message": "ok?"}}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			err := s.Apply(d)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorruptStream)
			assert.Equal(t, before, s.Parts())
		})
	}

	require.NoError(t, s.Apply(Delta{TargetPosition: 2, Kind: KindReplace,
		Payload: &turns.WirePart{Type: weather, State: turns.ToolStateInputAvailable, Input: weatherInput()}}))
	tp, ok := s.Parts()[2].(turns.ToolPart)
	require.True(t, ok)
	assert.Equal(t, "c2", tp.ToolCallID)
	assert.Equal(t, turns.ToolStateInputAvailable, tp.State)
	assert.Equal(t, turns.ToolStateInputStreaming, s.Parts()[1].(turns.ToolPart).State)
}

func TestTransientDeltasNeverEnterPartList(t *testing.T) {
	f := &recordingFinalizer{}
	var seen int
	s := newTestSession(t, f, WithTransientSink(TransientSinkFunc(func(turnID string, d Delta) {
		assert.Equal(t, "turn-1", turnID)
		seen++
	})))

	require.NoError(t, s.Apply(Start(0, turns.NewTextPart("a"))))
	d := Start(1, turns.NewTextPart("progress"))
	d.Transient = true
	require.NoError(t, s.Apply(d))
	require.NoError(t, s.Apply(Start(1, turns.NewDataPart(registry.DataKindStatus, "s", "done", map[string]any{"message": "ok"}))))

	assert.Equal(t, 2, seen)
	assert.Equal(t, []turns.Part{turns.NewTextPart("a")}, s.Parts())

	require.NoError(t, s.Complete(context.Background()))
	require.Len(t, f.Calls(), 1)
	assert.Equal(t, []turns.Part{turns.NewTextPart("a")}, f.Calls()[0].parts)
}

func TestCorruptDeltasAreDropped(t *testing.T) {
	s := newTestSession(t, &recordingFinalizer{})
	require.NoError(t, s.Apply(Start(0, turns.NewStepStartPart())))
	require.NoError(t, s.Apply(Start(1, turns.NewTextPart("hi"))))
	before := s.Parts()

	cases := map[string]Delta{
		"start beyond end":       Start(5, turns.NewTextPart("x")),
		"start in the middle":    Start(0, turns.NewTextPart("x")),
		"append out of range":    AppendText(9, "x"),
		"append negative":        AppendText(-1, "x"),
		"append to step-start":   AppendText(0, "x"),
		"unknown kind":           {TargetPosition: 1, Kind: "merge", Payload: &turns.WirePart{Text: "x"}},
		"missing payload":        {TargetPosition: 2, Kind: KindStart},
		"unregistered tool":      Start(2, turns.NewToolPart("launchRocket", "c9")),
		"unknown type":           Start(2, turns.UnknownPart{RawType: "file"}),
		"undeclared data status": Start(2, turns.NewDataPart(registry.DataKindProposal, "p1", "archived", nil)),
		"replace type mismatch":  Replace(1, turns.NewReasoningPart("x", nil)),
		"replace unknown call":   Replace(1, turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "nope", State: turns.ToolStateInputAvailable, Input: weatherInput()}),
		"control through apply":  Complete(),
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			err := s.Apply(d)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorruptStream)
			assert.Equal(t, before, s.Parts())
		})
	}

	// the session is still usable
	require.NoError(t, s.Apply(AppendText(1, " there")))
	assert.Equal(t, turns.NewTextPart("hi there"), s.Parts()[1])
}

func TestToolMonotonicityInStream(t *testing.T) {
	f := &recordingFinalizer{}
	s := newTestSession(t, f)

	call := turns.NewToolPart(registry.ToolConfirmAction, "c1")
	input := map[string]any{"action": "delete", "details": "everything", "severity": "high"}
	require.NoError(t, s.Apply(Start(0, call)))
	require.NoError(t, s.Apply(Replace(0, turns.ToolPart{Tool: call.Tool, ToolCallID: "c1", State: turns.ToolStateInputAvailable, Input: input})))
	require.NoError(t, s.Apply(Replace(0, turns.ToolPart{Tool: call.Tool, ToolCallID: "c1", State: turns.ToolStateOutputAvailable, Output: map[string]any{"confirmed": true}})))

	err := s.Apply(Replace(0, turns.ToolPart{Tool: call.Tool, ToolCallID: "c1", State: turns.ToolStateInputStreaming}))
	assert.ErrorIs(t, err, turns.ErrInvalidTransition)
	err = s.Apply(Replace(0, turns.ToolPart{Tool: call.Tool, ToolCallID: "c1", State: turns.ToolStateOutputError, ErrorText: "late"}))
	assert.ErrorIs(t, err, turns.ErrInvalidTransition)

	require.NoError(t, s.Apply(Start(1, turns.NewTextPart("Done."))))
	require.NoError(t, s.Complete(context.Background()))

	parts := f.Calls()[0].parts
	require.Len(t, parts, 2)
	tp := parts[0].(turns.ToolPart)
	assert.Equal(t, turns.ToolStateOutputAvailable, tp.State)
	assert.Equal(t, map[string]any{"confirmed": true}, tp.Output)
	assert.Empty(t, tp.ErrorText)
}

func TestDataPartsAreReplacedByID(t *testing.T) {
	s := newTestSession(t, &recordingFinalizer{})

	require.NoError(t, s.Apply(Start(0, turns.NewDataPart(registry.DataKindProposal, "p1", registry.ProposalLoading, map[string]any{"title": "Home"}))))
	require.NoError(t, s.Apply(Start(1, turns.NewDataPart(registry.DataKindProposal, "p2", registry.ProposalLoading, nil))))
	require.NoError(t, s.Apply(Replace(0, turns.NewDataPart(registry.DataKindProposal, "p1", registry.ProposalGenerating, map[string]any{"title": "Home"}))))
	// a second start for a known id updates in place
	require.NoError(t, s.Apply(Start(2, turns.NewDataPart(registry.DataKindProposal, "p1", registry.ProposalComplete,
		map[string]any{"title": "Home", "content": "premium 1200"}))))
	// replace of an unseen id at the end appends
	require.NoError(t, s.Apply(Replace(2, turns.NewDataPart(registry.DataKindProposal, "p3", registry.ProposalError, map[string]any{"error": "quota"}))))

	err := s.Apply(Replace(0, turns.NewDataPart(registry.DataKindProposal, "p1", registry.ProposalComplete, map[string]any{"title": "no content"})))
	assert.ErrorIs(t, err, ErrCorruptStream)
	assert.ErrorIs(t, err, turns.ErrInvalidPayload)

	parts := s.Parts()
	require.Len(t, parts, 3)
	p1 := parts[0].(turns.DataPart)
	assert.Equal(t, registry.ProposalComplete, p1.Status)
	assert.Equal(t, "premium 1200", p1.Data["content"])
	assert.Equal(t, "p2", parts[1].(turns.DataPart).ID)
	assert.Equal(t, "p3", parts[2].(turns.DataPart).ID)
}

func TestAbnormalCloseFinalizesOnce(t *testing.T) {
	f := &recordingFinalizer{}
	s := newTestSession(t, f)

	deltas := make(chan Delta, 4)
	deltas <- Start(0, turns.NewToolPart(registry.ToolGetWeatherInfo, "c1"))
	deltas <- Replace(0, turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c1", State: turns.ToolStateInputAvailable, Input: weatherInput()})
	close(deltas)

	require.NoError(t, s.Consume(context.Background(), deltas))
	assert.Equal(t, OutcomeAborted, s.Outcome())
	<-s.Done()

	require.NoError(t, s.Complete(context.Background()))
	require.NoError(t, s.Abort(context.Background(), errors.New("again")))
	assert.ErrorIs(t, s.Apply(Start(1, turns.NewTextPart("late"))), ErrSessionClosed)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "turn-1", calls[0].turnID)
	assert.Equal(t, turns.RoleAssistant, calls[0].role)
	require.Len(t, calls[0].parts, 1)
	assert.Equal(t, turns.ToolStateInputAvailable, calls[0].parts[0].(turns.ToolPart).State, "non-terminal calls persist as they are")
}

func TestCancellationPersistsPartialTurn(t *testing.T) {
	f := &recordingFinalizer{}
	s := newTestSession(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	deltas := make(chan Delta)
	result := make(chan error, 1)
	go func() { result <- s.Consume(ctx, deltas) }()

	deltas <- Start(0, turns.NewTextPart("Once upon"))
	deltas <- AppendText(0, " a time")
	cancel()

	require.NoError(t, <-result)
	assert.Equal(t, OutcomeCancelled, s.Outcome())

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.NoError(t, calls[0].ctxErr, "persistence runs on a non-cancelled context")
	assert.Equal(t, []turns.Part{turns.NewTextPart("Once upon a time")}, calls[0].parts)
}

func TestFinalizeReportsPersistenceError(t *testing.T) {
	f := &recordingFinalizer{err: errors.New("disk full")}
	s := newTestSession(t, f)
	require.NoError(t, s.Apply(Start(0, turns.NewTextPart("x"))))

	err := s.Complete(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, s.Err())
	assert.Equal(t, err, s.Complete(context.Background()))
	assert.Len(t, f.Calls(), 1)
}

func TestResumeFromInitialParts(t *testing.T) {
	f := &recordingFinalizer{}
	initial := []turns.Part{
		turns.NewTextPart("Checking."),
		turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c1", State: turns.ToolStateOutputError, Input: weatherInput(), ErrorText: "timeout"},
		turns.ToolPart{Tool: registry.ToolConfirmAction, ToolCallID: "c2", State: turns.ToolStateInputAvailable,
			Input: map[string]any{"action": "a", "details": "d", "severity": "low"}},
	}
	s := newTestSession(t, f, WithInitialParts(initial))

	err := s.Apply(Replace(1, turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c1", State: turns.ToolStateOutputAvailable, Output: weatherOutput()}))
	assert.ErrorIs(t, err, turns.ErrInvalidTransition)

	require.NoError(t, s.Apply(Replace(2, turns.ToolPart{Tool: registry.ToolConfirmAction, ToolCallID: "c2", State: turns.ToolStateOutputAvailable,
		Output: map[string]any{"confirmed": false, "reason": "changed my mind"}})))
	require.NoError(t, s.Complete(context.Background()))

	parts := f.Calls()[0].parts
	assert.Equal(t, turns.ToolStateOutputError, parts[1].(turns.ToolPart).State)
	assert.Equal(t, turns.ToolStateOutputAvailable, parts[2].(turns.ToolPart).State)

	// the caller's slice is not aliased
	assert.Equal(t, turns.ToolStateInputAvailable, initial[2].(turns.ToolPart).State)
}
