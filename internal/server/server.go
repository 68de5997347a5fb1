// ABOUTME: Tool dispatch with permission enforcement at the boundary
// ABOUTME: Every operation checks the active view before any unit is touched

package server

import (
	"context"
	"log/slog"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/errs"
	"github.com/knowbase/kbm/internal/federation"
	"github.com/knowbase/kbm/internal/unit"
	"github.com/knowbase/kbm/internal/view"
)

// Server owns the loaded units and dispatches tool calls against them.
// Permission checks happen here, before any unit access; engines and
// canonical stores below this layer trust their callers.
type Server struct {
	cfg    *config.Config
	units  map[string]*unit.Unit
	coord  *federation.Coordinator
	logger *slog.Logger
}

// New wires a server over already-opened units.
func New(cfg *config.Config, units map[string]*unit.Unit, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	queriers := make(map[string]federation.Querier, len(units))
	for id, u := range units {
		queriers[id] = u
	}

	return &Server{
		cfg:    cfg,
		units:  units,
		coord:  federation.New(queriers, cfg.Federation, logger),
		logger: logger,
	}
}

// resolveWrite checks write permission, then loads the unit.
func (s *Server) resolveWrite(v *view.View, unitID string) (*unit.Unit, error) {
	if unitID == "" {
		return nil, errs.Validation("unit is required")
	}
	if !v.CanWrite(unitID) {
		return nil, errs.Permission("view %q cannot write to unit %q", v.Name, unitID)
	}
	return s.lookup(unitID)
}

// resolveRead checks read permission, then loads the unit.
func (s *Server) resolveRead(v *view.View, unitID string) (*unit.Unit, error) {
	if unitID == "" {
		return nil, errs.Validation("unit is required")
	}
	if !v.CanRead(unitID) {
		return nil, errs.Permission("view %q cannot read from unit %q", v.Name, unitID)
	}
	return s.lookup(unitID)
}

func (s *Server) lookup(unitID string) (*unit.Unit, error) {
	u, ok := s.units[unitID]
	if !ok {
		return nil, errs.NotFound("unit %q", unitID)
	}
	return u, nil
}

// Insert stores new text content in a unit.
func (s *Server) Insert(ctx context.Context, v *view.View, unitID, content, source string, tags []string) (*InsertResponse, error) {
	u, err := s.resolveWrite(v, unitID)
	if err != nil {
		return nil, err
	}

	id, err := u.Insert(ctx, content, canonical.Meta{Source: source, Tags: tags})
	if err != nil {
		if id == "" {
			return nil, err
		}
		// Canonical write landed; a stale index is a warning, not a loss.
		s.logger.Warn("record stored but indexing failed", "unit", unitID, "record", id, "error", err)
	}
	return &InsertResponse{RecordID: id, UnitID: unitID}, nil
}

// InsertFile stores a file-backed record, from base64 content or a local path.
func (s *Server) InsertFile(ctx context.Context, v *view.View, unitID, filePath, contentB64 string) (*InsertFileResponse, error) {
	u, err := s.resolveWrite(v, unitID)
	if err != nil {
		return nil, err
	}

	id, path, err := u.InsertFile(ctx, filePath, contentB64)
	if err != nil {
		if id == "" {
			return nil, err
		}
		s.logger.Warn("file stored but indexing failed", "unit", unitID, "record", id, "error", err)
	}
	return &InsertFileResponse{RecordID: id, UnitID: unitID, Path: path}, nil
}

// Edit replaces a record's content, bumping its version.
func (s *Server) Edit(ctx context.Context, v *view.View, unitID, recordID, content string) (*EditResponse, error) {
	u, err := s.resolveWrite(v, unitID)
	if err != nil {
		return nil, err
	}

	version, err := u.Edit(ctx, recordID, content)
	if err != nil && version == 0 {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("record edited but indexing failed", "unit", unitID, "record", recordID, "error", err)
	}
	return &EditResponse{RecordID: recordID, UnitID: unitID, Version: version}, nil
}

// Delete tombstones a record. Idempotent.
func (s *Server) Delete(ctx context.Context, v *view.View, unitID, recordID string, hard bool) (*DeleteResponse, error) {
	u, err := s.resolveWrite(v, unitID)
	if err != nil {
		return nil, err
	}

	if hard {
		if err := u.HardErase(ctx, recordID); err != nil {
			return nil, err
		}
		return &DeleteResponse{RecordID: recordID, UnitID: unitID, Deleted: true}, nil
	}

	found, err := u.Delete(ctx, recordID)
	if err != nil {
		// found distinguishes a failed tombstone write from a committed
		// tombstone whose index removal failed; only the latter is the
		// recoverable-by-rebuild case that still counts as deleted.
		if !found {
			return nil, err
		}
		s.logger.Warn("record tombstoned but index removal failed", "unit", unitID, "record", recordID, "error", err)
	}
	return &DeleteResponse{RecordID: recordID, UnitID: unitID, Deleted: found}, nil
}

// Get returns the latest live version of a record.
func (s *Server) Get(ctx context.Context, v *view.View, unitID, recordID string) (*GetResponse, error) {
	u, err := s.resolveRead(v, unitID)
	if err != nil {
		return nil, err
	}

	rec, err := u.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return &GetResponse{Record: toRecordView(rec)}, nil
}

// List enumerates records in one unit, newest last by default.
func (s *Server) List(ctx context.Context, v *view.View, unitID string, limit, offset int) (*ListResponse, error) {
	u, err := s.resolveRead(v, unitID)
	if err != nil {
		return nil, err
	}

	recs, err := u.List(ctx, canonical.ListFilter{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}

	views := make([]RecordView, len(recs))
	for i, rec := range recs {
		views[i] = toRecordView(rec)
	}
	return &ListResponse{UnitID: unitID, Records: views}, nil
}

// Query searches. With a unit it is unit-scoped; without one it federates
// over every unit the view can read.
func (s *Server) Query(ctx context.Context, v *view.View, unitID, text, mode string, topK int) (*QueryResponse, error) {
	if text == "" {
		return nil, errs.Validation("query text must not be empty")
	}

	if unitID != "" {
		u, err := s.resolveRead(v, unitID)
		if err != nil {
			return nil, err
		}
		results, err := u.Query(ctx, text, mode, topK)
		if err != nil {
			return nil, err
		}
		resp := &QueryResponse{Query: text, Hits: make([]QueryHit, len(results))}
		for i, r := range results {
			resp.Hits[i] = toQueryHit(unitID, r.Record, r.Score, r.Snippet)
		}
		return resp, nil
	}

	fed, err := s.coord.Query(ctx, v, federation.Request{Text: text, Mode: mode, TopK: topK})
	if err != nil {
		return nil, err
	}
	resp := &QueryResponse{Query: text, Hits: make([]QueryHit, len(fed.Results))}
	for i, r := range fed.Results {
		resp.Hits[i] = toQueryHit(r.UnitID, r.Record, r.Score, r.Snippet)
	}
	if len(fed.PartialFailures) > 0 {
		resp.PartialFailures = fed.PartialFailures
	}
	return resp, nil
}

func toQueryHit(unitID string, rec *canonical.Record, score float64, snippet string) QueryHit {
	return QueryHit{
		Ref:      unitID + ":" + rec.ID,
		UnitID:   unitID,
		RecordID: rec.ID,
		Score:    score,
		Snippet:  snippet,
		Record:   toRecordView(rec),
	}
}

// Info reports status for every unit the view can read.
func (s *Server) Info(ctx context.Context, v *view.View) (*InfoResponse, error) {
	agg, err := s.coord.Info(ctx, v)
	if err != nil {
		return nil, err
	}

	resp := &InfoResponse{View: v.Name, Units: make(map[string]UnitStatus, len(agg))}
	for id, ui := range agg {
		if ui.Error != "" {
			resp.Units[id] = UnitStatus{Error: ui.Error}
			continue
		}
		engines := make(map[string]string, len(ui.Info.Engines))
		for name, state := range ui.Info.Engines {
			engines[name] = string(state)
		}
		resp.Units[id] = UnitStatus{
			Records: ui.Info.Records,
			Primary: ui.Info.Primary,
			Engines: engines,
		}
	}
	return resp, nil
}

// Rebuild reconstructs a unit's engines from canonical data. Requires
// write permission on the unit.
func (s *Server) Rebuild(ctx context.Context, v *view.View, unitID, engineName string) error {
	u, err := s.resolveWrite(v, unitID)
	if err != nil {
		return err
	}
	return u.Rebuild(ctx, engineName)
}
