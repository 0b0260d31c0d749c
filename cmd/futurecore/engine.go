package main

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"futurecore/orchestrator"
)

// processEngine is the concrete ExternalEngine: it writes the RestorePlan's
// component payloads to a scratch directory and hands off to an external
// restore binary, mirroring the guiperry-HASHER pipeline's pattern of
// shelling out to an external tool (ollama, opencode) instead of linking it
// in-process.
type processEngine struct {
	log  zerolog.Logger
	path string
	dir  string
}

func newProcessEngine(log zerolog.Logger, path, scratchDir string) *processEngine {
	return &processEngine{log: log.With().Str("component", "engine").Logger(), path: path, dir: scratchDir}
}

type enginePlan struct {
	ECID          uint64            `json:"ecid"`
	BoardID       uint32            `json:"board_id"`
	NoRestore     bool              `json:"no_restore"`
	NoRSEP        bool              `json:"no_rsep"`
	PwnDFU        bool              `json:"pwn_dfu"`
	BootArgs      string            `json:"boot_args,omitempty"`
	ComponentFile map[string]string `json:"components"`
}

// Exec writes every materialized component to disk and invokes the
// external restore binary with a JSON plan file describing them.
func (e *processEngine) Exec(ctx context.Context, plan orchestrator.RestorePlan) error {
	if e.path == "" {
		return errors.New("engine: no external restore engine binary configured (--restore-engine)")
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return errors.Wrap(err, "engine: create scratch dir")
	}

	ep := enginePlan{
		ECID:          plan.Ticket.ECID,
		BoardID:       plan.BuildIdentity.BoardID,
		NoRestore:     plan.NoRestore,
		NoRSEP:        plan.NoRSEP,
		PwnDFU:        plan.PwnDFU,
		BootArgs:      plan.BootArgs,
		ComponentFile: make(map[string]string, len(plan.Components)),
	}
	for name, comp := range plan.Components {
		dest := e.dir + "/" + name
		if err := os.WriteFile(dest, comp.Bytes, 0o644); err != nil {
			return errors.Wrapf(err, "engine: write component %s", name)
		}
		ep.ComponentFile[name] = dest
	}

	planPath := e.dir + "/plan.json"
	planBytes, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return errors.Wrap(err, "engine: marshal plan")
	}
	if err := os.WriteFile(planPath, planBytes, 0o644); err != nil {
		return errors.Wrap(err, "engine: write plan")
	}

	e.log.Info().Str("binary", e.path).Str("plan", planPath).Msg("handing off to external restore engine")
	cmd := exec.CommandContext(ctx, e.path, planPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "engine: external restore engine exited with error")
	}
	return nil
}
