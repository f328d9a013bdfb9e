package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aimdrag/internal/audit"
	"aimdrag/internal/classify"
	"aimdrag/internal/domain"
	"aimdrag/internal/engine"
	"aimdrag/internal/events"
	"aimdrag/internal/governance"
)

type testEnv struct {
	Gate  *engine.Gate
	Chain *audit.Chain
	Sink  *audit.MemorySink
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	sink := audit.NewMemorySink()
	chain, err := audit.Open(context.Background(), sink, audit.Options{
		Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	w, err := events.NewWriter(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	return testEnv{Gate: engine.New(chain, w), Chain: chain, Sink: sink, Ctx: context.Background()}
}

func declaration() domain.Declaration {
	return domain.Declaration{
		Actor: domain.Actor{Name: "Jane Doe", Email: "jane@example.com", Role: "Sustainability Analyst"},
		Input: domain.InputSpec{
			Sources:     []domain.InputSource{{Kind: "dataset", Description: "2025 supplier emissions"}},
			Constraints: []string{"public data only"},
		},
		Mission: domain.Mission{
			Objective:       "Compare supplier emission trends",
			SuccessCriteria: []string{"covers all tier-1 suppliers"},
		},
	}
}

func admit(t *testing.T, env testEnv, trace, mode string) engine.Admission {
	t.Helper()
	adm, err := env.Gate.Admit(env.Ctx, engine.AdmitRequest{
		TraceID:      trace,
		Declaration:  declaration(),
		Mode:         mode,
		WorkflowName: "demo",
		Parameters:   map[string]any{"region": "eu"},
	})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	return adm
}

func TestAdmitAndRecordSuccess(t *testing.T) {
	env := newTestEnv(t)
	adm := admit(t, env, "t-1", "RESEARCH")
	assert.Equal(t, "t-1", adm.TraceID)
	assert.Equal(t, domain.ModeResearch, adm.Record.Mode)
	assert.Equal(t, domain.OutcomeAdmitted, adm.Record.Outcome)
	assert.True(t, adm.Permissions.RequiresLanguageFilter)
	assert.Equal(t, 1, env.Gate.Pending())

	rec, err := env.Gate.Record(env.Ctx, engine.RecordRequest{
		TraceID:  "t-1",
		Outcome:  domain.OutcomeSuccess,
		Output:   "Options include Docker or Podman. Trade-offs are startup time vs. isolation.",
		Duration: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, rec.Recorded)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "demo", rec.Record.WorkflowName)
	assert.Equal(t, "Jane Doe", rec.Record.Declaration.Actor.Name)
	require.NotNil(t, rec.Record.DurationMS)
	assert.Equal(t, int64(2000), *rec.Record.DurationMS)
	assert.Equal(t, adm.Record.IntegrityHash, rec.Record.PrevHash)
	assert.Equal(t, 0, env.Gate.Pending())
}

func TestAdmitGeneratesTraceID(t *testing.T) {
	env := newTestEnv(t)
	env.Gate.NewTraceID = func() string { return "generated" }
	adm := admit(t, env, "", "draft")
	assert.Equal(t, "generated", adm.TraceID)
}

func TestPrescriptiveOutputIsRejectedAfterTheFact(t *testing.T) {
	env := newTestEnv(t)
	admit(t, env, "demo-1", "research")
	before := env.Sink.Len()

	rec, err := env.Gate.Record(env.Ctx, engine.RecordRequest{
		TraceID:      "demo-1",
		WorkflowName: "demo",
		Outcome:      domain.OutcomeSuccess,
		Output:       "The best option is X",
		Duration:     time.Second,
	})
	var pv *engine.PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, domain.ModeResearch, pv.Mode)
	assert.Equal(t, before+1, env.Sink.Len())
	assert.Equal(t, domain.OutcomeRejected, rec.Outcome)
	assert.Equal(t, []string{"the best option is"}, rec.Record.Violations)
	require.Len(t, rec.Violations, 1)
	assert.Equal(t, governance.CategoryRecommendation, rec.Violations[0].Category)

	v, err := env.Chain.VerifyChain(env.Ctx)
	require.NoError(t, err)
	assert.True(t, v.OK)
}

func TestGruntOutputSkipsLanguageFilter(t *testing.T) {
	env := newTestEnv(t)
	admit(t, env, "g-1", "grunt")
	rec, err := env.Gate.Record(env.Ctx, engine.RecordRequest{
		TraceID: "g-1",
		Outcome: domain.OutcomeSuccess,
		Output:  "You should always use the renamed files.",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	assert.Empty(t, rec.Record.Violations)
}

func TestExecuteWithoutSourcesIsRejectedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	d := declaration()
	d.Input.Sources = nil

	adm, err := env.Gate.Admit(env.Ctx, engine.AdmitRequest{
		TraceID:      "x-1",
		Declaration:  d,
		Mode:         "EXECUTE",
		WorkflowName: "deploy",
	})
	var vf *engine.ValidationFailedError
	require.ErrorAs(t, err, &vf)
	assert.False(t, adm.Admitted)
	assert.Contains(t, adm.Reason, "input source")
	assert.Equal(t, governance.RuleInputSources, vf.Violations[0].Rule)

	recs, err := env.Chain.Records(env.Ctx, audit.Filter{TraceID: "x-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeRejected, recs[0].Outcome)
	assert.Equal(t, domain.ModeExecute, recs[0].Mode)
	assert.Equal(t, 0, env.Gate.Pending())
}

func TestHumanOnlyAndUnknownModesAreRejected(t *testing.T) {
	env := newTestEnv(t)
	for _, mode := range []string{"analysis", "autopilot", ""} {
		_, err := env.Gate.Admit(env.Ctx, engine.AdmitRequest{
			TraceID:     "m-" + mode,
			Declaration: declaration(),
			Mode:        mode,
		})
		var vf *engine.ValidationFailedError
		require.ErrorAs(t, err, &vf, mode)
	}
	recs, err := env.Chain.Records(env.Ctx, audit.Filter{Outcome: domain.OutcomeRejected})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Equal(t, domain.Mode(""), recs[0].Mode)
	assert.Contains(t, recs[0].Error, "human-only")
}

func TestSideEffectsNeedAnExecutingMode(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Gate.Admit(env.Ctx, engine.AdmitRequest{
		TraceID:      "s-1",
		Declaration:  declaration(),
		Mode:         "draft",
		WorkflowName: "send_email",
		SideEffects:  true,
	})
	var pv *engine.PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, domain.ModeDraft, pv.Mode)
	assert.Equal(t, domain.OutcomeRejected, pv.Record.Outcome)

	adm, err := env.Gate.Admit(env.Ctx, engine.AdmitRequest{
		TraceID:      "s-2",
		Declaration:  declaration(),
		Mode:         "execute",
		WorkflowName: "send_email",
		SideEffects:  true,
	})
	require.NoError(t, err)
	assert.True(t, adm.Admitted)
}

func TestClassifierRaisesSideEffects(t *testing.T) {
	env := newTestEnv(t)
	c, err := classify.New(map[string]classify.Rule{
		"ticket": {When: `!(has(parameters.dry_run) && parameters.dry_run == true)`},
	}, false)
	require.NoError(t, err)
	env.Gate.Classifier = c

	_, err = env.Gate.Admit(env.Ctx, engine.AdmitRequest{
		TraceID: "c-1", Declaration: declaration(), Mode: "research", WorkflowName: "ticket",
	})
	var pv *engine.PolicyViolationError
	require.ErrorAs(t, err, &pv)

	adm, err := env.Gate.Admit(env.Ctx, engine.AdmitRequest{
		TraceID: "c-2", Declaration: declaration(), Mode: "research", WorkflowName: "ticket",
		Parameters: map[string]any{"dry_run": true},
	})
	require.NoError(t, err)
	assert.True(t, adm.Admitted)
}

func TestConcurrentAdmissionsFormValidChain(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Gate.Admit(env.Ctx, engine.AdmitRequest{
				TraceID:      fmt.Sprintf("c-%d", i),
				Declaration:  declaration(),
				Mode:         "research",
				WorkflowName: "demo",
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	recs, err := env.Chain.Records(env.Ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, audit.ZeroHash, recs[0].PrevHash)
	assert.Equal(t, recs[0].IntegrityHash, recs[1].PrevHash)
	assert.ElementsMatch(t, []string{"c-0", "c-1"}, []string{recs[0].TraceID, recs[1].TraceID})

	v, err := env.Chain.VerifyChain(env.Ctx)
	require.NoError(t, err)
	assert.True(t, v.OK)
	assert.Equal(t, uint64(2), v.Records)
}

func TestRecordUnknownTraceIsAudited(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Gate.Record(env.Ctx, engine.RecordRequest{TraceID: "ghost", Outcome: domain.OutcomeSuccess})
	assert.ErrorIs(t, err, engine.ErrUnknownTrace)
	assert.True(t, rec.Recorded)
	assert.Equal(t, domain.OutcomeRejected, rec.Record.Outcome)
	assert.Equal(t, 1, env.Sink.Len())
}

func TestRecordTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	admit(t, env, "t-1", "draft")
	_, err := env.Gate.Record(env.Ctx, engine.RecordRequest{TraceID: "t-1", Outcome: domain.OutcomeFailure, Err: "timeout"})
	require.NoError(t, err)

	rec, err := env.Gate.Record(env.Ctx, engine.RecordRequest{TraceID: "t-1", Outcome: domain.OutcomeSuccess})
	assert.ErrorIs(t, err, engine.ErrAlreadyRecorded)
	assert.Equal(t, domain.OutcomeRejected, rec.Record.Outcome)
	assert.Equal(t, 3, env.Sink.Len())
}

func TestRecordResolvesAdmissionFromChain(t *testing.T) {
	env := newTestEnv(t)
	admit(t, env, "t-1", "research")

	restarted := engine.New(env.Chain, nil)
	rec, err := restarted.Record(env.Ctx, engine.RecordRequest{TraceID: "t-1", Outcome: domain.OutcomeSuccess, Output: "Risks include lock-in."})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, domain.ModeResearch, rec.Record.Mode)
}

func TestRecordValidatesRequest(t *testing.T) {
	env := newTestEnv(t)
	admit(t, env, "t-1", "draft")
	rec, err := env.Gate.Record(env.Ctx, engine.RecordRequest{TraceID: "t-1", Outcome: domain.OutcomeAdmitted, Duration: -time.Second})
	var vf *engine.ValidationFailedError
	require.ErrorAs(t, err, &vf)
	require.Len(t, vf.Violations, 2)
	assert.Equal(t, engine.RuleRecordOutcome, vf.Violations[0].Rule)
	assert.Equal(t, engine.RuleRecordDuration, vf.Violations[1].Rule)
	assert.Equal(t, domain.OutcomeRejected, rec.Record.Outcome)
	assert.Equal(t, 2, env.Sink.Len())
}

func TestRecordWorkflowMismatch(t *testing.T) {
	env := newTestEnv(t)
	admit(t, env, "t-1", "draft")
	_, err := env.Gate.Record(env.Ctx, engine.RecordRequest{TraceID: "t-1", WorkflowName: "other", Outcome: domain.OutcomeSuccess})
	var pv *engine.PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Contains(t, pv.Reason, "does not match")
}

func TestSinkFailureRefusesAdmission(t *testing.T) {
	env := newTestEnv(t)
	env.Sink.FailAppends = errors.New("disk full")
	_, err := env.Gate.Admit(env.Ctx, engine.AdmitRequest{TraceID: "t-1", Declaration: declaration(), Mode: "draft"})
	assert.ErrorIs(t, err, audit.ErrSinkUnavailable)
	assert.Equal(t, 0, env.Gate.Pending())

	d := declaration()
	d.Actor.Name = "J"
	_, err = env.Gate.Admit(env.Ctx, engine.AdmitRequest{TraceID: "t-2", Declaration: d, Mode: "draft"})
	assert.ErrorIs(t, err, audit.ErrSinkUnavailable)
	assert.Equal(t, 0, env.Sink.Len())
}

func TestRecordSinkFailureKeepsAdmissionPending(t *testing.T) {
	env := newTestEnv(t)
	admit(t, env, "t-1", "draft")
	env.Sink.FailAppends = errors.New("disk full")
	_, err := env.Gate.Record(env.Ctx, engine.RecordRequest{TraceID: "t-1", Outcome: domain.OutcomeSuccess})
	assert.ErrorIs(t, err, audit.ErrSinkUnavailable)
	assert.Equal(t, 1, env.Gate.Pending())

	env.Sink.FailAppends = nil
	rec, err := env.Gate.Record(env.Ctx, engine.RecordRequest{TraceID: "t-1", Outcome: domain.OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
}

func TestEmergencyRecordOnInternalFailure(t *testing.T) {
	env := newTestEnv(t)
	admit(t, env, "t-1", "execute")
	before := env.Sink.Len()

	rec, err := env.Gate.Record(env.Ctx, engine.RecordRequest{
		TraceID:    "t-1",
		Outcome:    domain.OutcomeSuccess,
		Parameters: map[string]any{"callback": func() {}},
	})
	assert.ErrorIs(t, err, audit.ErrInvalidEntry)
	assert.True(t, rec.Recorded)
	assert.Equal(t, domain.OutcomeFailure, rec.Record.Outcome)
	assert.Contains(t, rec.Record.Error, "audit append failed")
	assert.Equal(t, before+1, env.Sink.Len())
}

func TestUnencodableParametersRejectAdmission(t *testing.T) {
	env := newTestEnv(t)
	adm, err := env.Gate.Admit(env.Ctx, engine.AdmitRequest{
		TraceID:     "t-1",
		Declaration: declaration(),
		Mode:        "draft",
		Parameters:  map[string]any{"ratio": math.NaN()},
	})
	var vf *engine.ValidationFailedError
	require.ErrorAs(t, err, &vf)
	require.Len(t, vf.Violations, 1)
	assert.Equal(t, engine.RuleParameters, vf.Violations[0].Rule)
	assert.False(t, adm.Admitted)
	assert.Equal(t, domain.OutcomeRejected, adm.Record.Outcome)
	assert.Empty(t, adm.Record.Parameters)
	assert.Equal(t, 1, env.Sink.Len())
	assert.Equal(t, 0, env.Gate.Pending())
}

func TestRejectedOutcomeWithUnencodableParametersIsStillAudited(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Gate.Record(env.Ctx, engine.RecordRequest{
		TraceID:    "never-admitted",
		Outcome:    domain.OutcomeSuccess,
		Parameters: map[string]any{"ratio": math.Inf(1)},
	})
	assert.ErrorIs(t, err, audit.ErrInvalidEntry)
	assert.True(t, rec.Recorded)
	assert.Equal(t, domain.OutcomeFailure, rec.Record.Outcome)
	assert.Empty(t, rec.Record.Parameters)
	assert.Equal(t, 1, env.Sink.Len())

	v, err := env.Gate.Verify(env.Ctx)
	require.NoError(t, err)
	assert.True(t, v.OK)
}

type slowSink struct {
	*audit.MemorySink
	delay time.Duration
}

func (s slowSink) Append(line []byte) error {
	time.Sleep(s.delay)
	return s.MemorySink.Append(line)
}

func TestConcurrentRecordsForOneTraceCommitOneOutcome(t *testing.T) {
	sink := slowSink{MemorySink: audit.NewMemorySink(), delay: 20 * time.Millisecond}
	chain, err := audit.Open(context.Background(), sink, audit.Options{})
	require.NoError(t, err)
	gate := engine.New(chain, nil)
	ctx := context.Background()
	_, err = gate.Admit(ctx, engine.AdmitRequest{TraceID: "t-dup", Declaration: declaration(), Mode: "draft"})
	require.NoError(t, err)

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gate.Record(ctx, engine.RecordRequest{TraceID: "t-dup", Outcome: domain.OutcomeSuccess})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrAlreadyRecorded)
	}
	assert.Equal(t, 1, ok)

	recs, err := chain.Records(ctx, audit.Filter{TraceID: "t-dup"})
	require.NoError(t, err)
	successes := 0
	for _, r := range recs {
		if r.Outcome == domain.OutcomeSuccess {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Len(t, recs, n+1)
	assert.Equal(t, 0, gate.Pending())
}

func TestCorruptedChainBlocksAdmissions(t *testing.T) {
	env := newTestEnv(t)
	admit(t, env, "t-1", "draft")
	admit(t, env, "t-2", "draft")
	env.Sink.Overwrite(0, env.Sink.Line(1))

	v, err := env.Gate.Verify(env.Ctx)
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, uint64(0), *v.BrokenAt)

	_, err = env.Gate.Admit(env.Ctx, engine.AdmitRequest{TraceID: "t-3", Declaration: declaration(), Mode: "draft"})
	assert.ErrorIs(t, err, audit.ErrChainCorrupted)
}

func TestCancelledAdmitLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	_, err := env.Gate.Admit(ctx, engine.AdmitRequest{TraceID: "t-1", Declaration: declaration(), Mode: "draft"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, env.Sink.Len())
}
