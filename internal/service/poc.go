// Package service coordinates one submission end to end: checksum
// verification, content-addressed dedup, persistence, and sandbox
// execution. It also implements operator re-verification.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/oriys/cybergym/internal/blob"
	"github.com/oriys/cybergym/internal/domain"
	"github.com/oriys/cybergym/internal/httperr"
	"github.com/oriys/cybergym/internal/logging"
	"github.com/oriys/cybergym/internal/metrics"
	"github.com/oriys/cybergym/internal/observability"
	"github.com/oriys/cybergym/internal/sandbox"
	"github.com/oriys/cybergym/internal/store"
	"github.com/oriys/cybergym/internal/task"
)

// Payload is the parsed submission metadata plus the uploaded bytes.
// Unknown metadata fields are ignored.
type Payload struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	Checksum    string `json:"checksum"`
	RequireFlag bool   `json:"require_flag"`
	Data        []byte `json:"-"`
}

// Result is a submit response before HTTP post-processing.
type Result struct {
	TaskID   string `json:"task_id"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	PoCID    string `json:"poc_id"`
	Flag     string `json:"flag,omitempty"`
}

// Service orchestrates the PoC stores and the sandbox runner.
type Service struct {
	store  store.Store
	blobs  *blob.Store
	runner *sandbox.Runner
	salt   string
}

// New wires a submission service.
func New(st store.Store, blobs *blob.Store, runner *sandbox.Runner, salt string) *Service {
	return &Service{store: st, blobs: blobs, runner: runner, salt: salt}
}

// Submit runs one submission: verify, hash, dedup, run-if-new, persist.
// Identical content for the same (agent, task) reuses the stored record
// and, once a mode has run, its captured output.
func (s *Service) Submit(ctx context.Context, p *Payload, mode domain.Mode) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "poc.submit",
		observability.AttrTaskID.String(p.TaskID),
		observability.AttrAgentID.String(p.AgentID),
		observability.AttrMode.String(string(mode)),
	)
	defer span.End()

	res, err := s.submit(ctx, p, mode)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(
		observability.AttrPoCID.String(res.PoCID),
		observability.AttrExitCode.Int(res.ExitCode),
	)
	observability.SetSpanOK(span)
	return res, nil
}

func (s *Service) submit(ctx context.Context, p *Payload, mode domain.Mode) (*Result, error) {
	if !task.VerifyTask(p.TaskID, p.AgentID, p.Checksum, s.salt) {
		return nil, httperr.New(http.StatusBadRequest, "Invalid checksum")
	}

	sum := sha256.Sum256(p.Data)
	pocHash := hex.EncodeToString(sum[:])

	existing, err := s.store.Find(ctx, store.Query{AgentID: p.AgentID, TaskID: p.TaskID, PoCHash: pocHash})
	if err != nil {
		return nil, err
	}
	if len(existing) > 1 {
		return nil, httperr.New(http.StatusInternalServerError, "Multiple PoC records for same agent/task/hash found")
	}

	pocID := domain.NewPoCID()
	if len(existing) == 1 {
		rec := existing[0]
		pocID = rec.PoCID
		if code := rec.ExitCode(mode); code != nil {
			observability.AddSpanAttributes(ctx, observability.AttrDedup.Bool(true))
			logging.Op().Debug("poc already run", "poc_id", pocID, "mode", mode)
			return &Result{
				TaskID:   p.TaskID,
				ExitCode: *code,
				Output:   s.blobs.ReadOutput(pocID, mode),
				PoCID:    pocID,
			}, nil
		}
	}

	if err := s.blobs.WritePoC(pocID, p.Data); err != nil {
		return nil, httperr.Errorf(http.StatusInternalServerError, "Unexpected error: %v", err)
	}

	rec, err := s.store.GetOrCreate(ctx, &domain.PoCRecord{
		PoCID:     pocID,
		AgentID:   p.AgentID,
		TaskID:    p.TaskID,
		PoCHash:   pocHash,
		PoCLength: len(p.Data),
	})
	if err != nil {
		return nil, err
	}
	if rec.PoCID != pocID {
		// Lost a concurrent first-submission race; adopt the winning id
		// so blobs and record stay aligned.
		pocID = rec.PoCID
		if err := s.blobs.WritePoC(pocID, p.Data); err != nil {
			return nil, httperr.Errorf(http.StatusInternalServerError, "Unexpected error: %v", err)
		}
	}

	exitCode, output, err := s.runPoC(ctx, p.TaskID, mode, pocID)
	if err != nil {
		return nil, err
	}

	return &Result{
		TaskID:   p.TaskID,
		ExitCode: exitCode,
		Output:   string(output),
		PoCID:    pocID,
	}, nil
}

// runPoC executes one mode for a stored PoC and persists output and exit code.
func (s *Service) runPoC(ctx context.Context, taskID string, mode domain.Mode, pocID string) (int, []byte, error) {
	ctx, span := observability.StartSpan(ctx, "poc.run",
		observability.AttrTaskID.String(taskID),
		observability.AttrPoCID.String(pocID),
		observability.AttrMode.String(string(mode)),
	)
	defer span.End()

	start := time.Now()
	metrics.IncActiveRuns()
	exitCode, output, err := s.runner.Run(ctx, taskID, mode, s.blobs.PoCPath(pocID))
	metrics.DecActiveRuns()

	durMs := time.Since(start).Milliseconds()
	switch {
	case err != nil:
		metrics.RecordRun(string(mode), "error", durMs)
		observability.SetSpanError(span, err)
		return 0, nil, err
	case exitCode == domain.ExitTimeout:
		metrics.RecordRun(string(mode), "timeout", durMs)
	default:
		metrics.RecordRun(string(mode), "ok", durMs)
	}
	span.SetAttributes(observability.AttrExitCode.Int(exitCode))

	logging.OpWithTrace(observability.SpanIDs(ctx)).Info("poc run finished",
		"poc_id", pocID, "task_id", taskID, "mode", mode, "exit_code", exitCode, "duration_ms", durMs)

	if err := s.blobs.WriteOutput(pocID, mode, output); err != nil {
		observability.SetSpanError(span, err)
		return 0, nil, httperr.Errorf(http.StatusInternalServerError, "Unexpected error: %v", err)
	}
	if err := s.store.UpdateExitCode(ctx, pocID, mode, exitCode); err != nil {
		observability.SetSpanError(span, err)
		return 0, nil, err
	}
	observability.SetSpanOK(span)
	return exitCode, output, nil
}

// RunPoCID re-executes a stored PoC by id. vul mode runs first, then fix
// mode for task kinds that have a fixed build. Without rerun, modes that
// already have a recorded exit code are skipped.
func (s *Service) RunPoCID(ctx context.Context, pocID string, rerun bool) error {
	ctx, span := observability.StartSpan(ctx, "poc.verify",
		observability.AttrPoCID.String(pocID),
	)
	defer span.End()

	if err := s.runPoCID(ctx, pocID, rerun); err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	observability.SetSpanOK(span)
	return nil
}

func (s *Service) runPoCID(ctx context.Context, pocID string, rerun bool) error {
	records, err := s.store.Find(ctx, store.Query{PoCID: pocID})
	if err != nil {
		return err
	}
	if len(records) != 1 {
		return httperr.Errorf(http.StatusInternalServerError, "%d PoC records for same poc_id found", len(records))
	}
	rec := records[0]
	observability.AddSpanAttributes(ctx, observability.AttrTaskID.String(rec.TaskID))

	if !s.blobs.HasPoC(rec.PoCID) {
		return httperr.New(http.StatusInternalServerError, "PoC binary not found")
	}

	if rerun || rec.VulExitCode == nil {
		if _, _, err := s.runPoC(ctx, rec.TaskID, domain.ModeVul, rec.PoCID); err != nil {
			return err
		}
	}

	if task.IsLatest(rec.TaskID) {
		// No fixed build for oss-fuzz-latest.
		return nil
	}

	if rerun || rec.FixExitCode == nil {
		if _, _, err := s.runPoC(ctx, rec.TaskID, domain.ModeFix, rec.PoCID); err != nil {
			return err
		}
	}
	return nil
}

// VerifyAgentPoCs runs both modes for every stored PoC of the agent,
// skipping modes that already have a recorded exit code. Returns the
// poc ids in insertion order.
func (s *Service) VerifyAgentPoCs(ctx context.Context, agentID string) ([]string, error) {
	ctx, span := observability.StartSpan(ctx, "poc.verify_agent",
		observability.AttrAgentID.String(agentID),
	)
	defer span.End()

	records, err := s.store.Find(ctx, store.Query{AgentID: agentID})
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	if len(records) == 0 {
		err := httperr.New(http.StatusNotFound, "No records found for this agent_id")
		observability.SetSpanError(span, err)
		return nil, err
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if err := s.RunPoCID(ctx, rec.PoCID, false); err != nil {
			observability.SetSpanError(span, err)
			return nil, err
		}
		ids = append(ids, rec.PoCID)
	}
	observability.SetSpanOK(span)
	return ids, nil
}

// QueryPoCs lists stored records filtered by optional agent and task ids.
func (s *Service) QueryPoCs(ctx context.Context, agentID, taskID string) ([]*domain.PoCRecord, error) {
	records, err := s.store.Find(ctx, store.Query{AgentID: agentID, TaskID: taskID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, httperr.New(http.StatusNotFound, "Record not found")
	}
	return records, nil
}

// PostProcess rewrites synthetic exit codes into their human-readable
// message and attaches the flag when the submitter asked for one. Clients
// never see the synthetic codes.
func PostProcess(res *Result, requireFlag bool) *Result {
	if msg, ok := domain.CustomErrorMessages[res.ExitCode]; ok {
		res.Output = msg
		res.ExitCode = 0
	}
	if requireFlag && res.ExitCode != 0 {
		res.Flag = domain.Flag
	}
	return res
}
