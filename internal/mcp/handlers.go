package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/ratelimit"
	"github.com/nvandessel/cmrsim/internal/session"
	"github.com/nvandessel/cmrsim/internal/store"
)

const (
	sessionsURI         = "cmrsim://sessions"
	sessionURIPrefix    = "cmrsim://sessions/"
	defaultHistoryLimit = 20
)

// registerTools registers all cmrsim MCP tools with the server.
func (s *Server) registerTools() error {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cmr_new",
		Description: "Start a capture-mark-recapture session on a new population (known or hidden size) and return its session_id",
	}, s.handleCmrNew)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cmr_tag",
		Description: "Tag up to count untagged individuals chosen at random. The first call is capped at 10% of the population, later calls at 20%",
	}, s.handleCmrTag)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cmr_recapture",
		Description: "Draw a random sample of count individuals from the whole population and count how many are tagged",
	}, s.handleCmrRecapture)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cmr_estimate",
		Description: "Compute the Lincoln-Petersen estimate floor(M*n/m) from the current counts, with accuracy feedback when the size is visible",
	}, s.handleCmrEstimate)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cmr_reveal",
		Description: "Reveal the true population size of a hidden session after an estimate and grade the estimate",
	}, s.handleCmrReveal)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cmr_reset",
		Description: "Discard the session's population and counts and return it to setup",
	}, s.handleCmrReset)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cmr_status",
		Description: "Show the session's phase, counts and the caps of the next tag and recapture",
	}, s.handleCmrStatus)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cmr_close",
		Description: "Close a session and free its slot",
	}, s.handleCmrClose)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cmr_history",
		Description: "List recorded estimates with an accuracy summary",
	}, s.handleCmrHistory)

	return nil
}

// registerResources registers MCP resources describing open sessions.
func (s *Server) registerResources() error {
	s.server.AddResource(&sdk.Resource{
		URI:         sessionsURI,
		Name:        "cmrsim-sessions",
		Description: "Open capture-mark-recapture sessions and their progress.",
		MIMEType:    "text/markdown",
	}, s.handleSessionsResource)

	s.server.AddResourceTemplate(&sdk.ResourceTemplate{
		URITemplate: sessionURIPrefix + "{id}",
		Name:        "cmrsim-session",
		Description: "Counts and caps of one session.",
		MIMEType:    "text/markdown",
	}, s.handleSessionResource)

	return nil
}

// handleSessionsResource renders a table of open sessions.
func (s *Server) handleSessionsResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	ids := s.registry.IDs()

	var sb strings.Builder
	sb.WriteString("# Capture-Mark-Recapture Sessions\n\n")
	if len(ids) == 0 {
		sb.WriteString("No open sessions. Start one with `cmr_new`.\n")
	} else {
		sb.WriteString("| Session | Mode | Phase | M | n | m |\n|---|---|---|---|---|---|\n")
		for _, id := range ids {
			c, err := s.registry.Get(id)
			if err != nil {
				continue // closed concurrently
			}
			snap := c.Snapshot()
			fmt.Fprintf(&sb, "| %s | %s | %s | %d | %d | %d |\n",
				id, snap.Mode, snap.Phase, snap.Marked, snap.Sampled, snap.Recaptured)
		}
		fmt.Fprintf(&sb, "\n*%d of %d session slots in use*\n", len(ids), s.settings.MCP.MaxSessions)
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      sessionsURI,
				MIMEType: "text/markdown",
				Text:     sb.String(),
			},
		},
	}, nil
}

// handleSessionResource renders one session.
func (s *Server) handleSessionResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	uri := req.Params.URI
	if !strings.HasPrefix(uri, sessionURIPrefix) {
		return nil, fmt.Errorf("invalid URI format: %s", uri)
	}
	id := strings.TrimPrefix(uri, sessionURIPrefix)
	if id == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	c, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	snap := c.Snapshot()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Session %s\n\n", id)
	fmt.Fprintf(&sb, "- Mode: %s\n- Phase: %s\n", snap.Mode, snap.Phase)
	if snap.SizeHidden {
		sb.WriteString("- Population size: hidden\n")
	} else if snap.Size > 0 {
		fmt.Fprintf(&sb, "- Population size: %d\n", snap.Size)
	}
	fmt.Fprintf(&sb, "- Tagged (M): %d\n- Sampled (n): %d\n- Recaptured (m): %d\n", snap.Marked, snap.Sampled, snap.Recaptured)
	if snap.NextTagCap != nil {
		fmt.Fprintf(&sb, "- Next tag cap: %d (%s)\n", snap.NextTagCap.Limit, snap.NextTagCap.Tier)
	}
	if snap.NextRecaptureCap != nil {
		fmt.Fprintf(&sb, "- Next recapture cap: %d (%s)\n", snap.NextRecaptureCap.Limit, snap.NextRecaptureCap.Tier)
	}
	if snap.SampleStale {
		sb.WriteString("\nThe last sample predates the latest tagging; recapture again before estimating.\n")
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      uri,
				MIMEType: "text/markdown",
				Text:     sb.String(),
			},
		},
	}, nil
}

// lookup resolves a session and applies the tool's per-session rate limit.
func (s *Server) lookup(tool, sessionID string) (*session.Controller, error) {
	if sessionID == "" {
		return nil, invalidArgument("'session_id' parameter is required")
	}
	c, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, toolError(err)
	}
	if err := ratelimit.CheckLimit(s.toolLimiters, tool, sessionID); err != nil {
		return nil, toolError(err)
	}
	return c, nil
}

// clientKey keys rate limits for tools that are not bound to a session.
func clientKey(req *sdk.CallToolRequest) string {
	if req == nil || req.Session == nil {
		return ""
	}
	return req.Session.ID()
}

func (s *Server) updateSessionGauge() {
	s.metrics.SessionsOpen.Set(float64(s.registry.Len()))
}

// handleCmrNew implements the cmr_new tool.
func (s *Server) handleCmrNew(ctx context.Context, req *sdk.CallToolRequest, args CmrNewInput) (_ *sdk.CallToolResult, out CmrNewOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("cmr_new", out.SessionID, start, retErr, sanitizeToolParams(map[string]any{
			"mode": args.Mode, "size": args.Size, "session_id": args.SessionID,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "cmr_new", clientKey(req)); err != nil {
		return nil, CmrNewOutput{}, toolError(err)
	}

	var existing *session.Controller
	if args.SessionID != "" {
		c, err := s.registry.Get(args.SessionID)
		if err != nil {
			return nil, CmrNewOutput{}, toolError(err)
		}
		existing = c
	}

	mode := estimate.ModeKnown
	if existing != nil {
		mode = existing.Mode()
	}
	if args.Mode != "" {
		m, err := estimate.ParseMode(args.Mode)
		if err != nil {
			return nil, CmrNewOutput{}, invalidArgument(err.Error())
		}
		if existing != nil && m != mode {
			return nil, CmrNewOutput{}, invalidArgument(fmt.Sprintf("session %s runs in %s mode", args.SessionID, mode))
		}
		mode = m
	}

	size := args.Size
	switch mode {
	case estimate.ModeKnown:
		if size == 0 {
			size = s.settings.Population.KnownDefault
		}
		if err := s.settings.CheckKnownSize(size); err != nil {
			return nil, CmrNewOutput{}, &ToolError{Code: session.CodeInvalidSize, Message: err.Error()}
		}
	case estimate.ModeHidden:
		if size != 0 {
			return nil, CmrNewOutput{}, invalidArgument("'size' cannot be set in hidden mode")
		}
	}

	c := existing
	if c == nil {
		opened, err := s.registry.Open(mode)
		if err != nil {
			return nil, CmrNewOutput{}, toolError(err)
		}
		c = opened
	}

	var err error
	if mode == estimate.ModeKnown {
		err = c.Create(size)
	} else {
		err = c.CreateRandom()
	}
	if err != nil {
		if existing == nil {
			_ = s.registry.Close(c.ID())
		}
		return nil, CmrNewOutput{}, toolError(err)
	}
	s.updateSessionGauge()

	snap := c.Snapshot()
	out = CmrNewOutput{
		SessionID:  snap.SessionID,
		Mode:       string(snap.Mode),
		Size:       snap.Size,
		SizeHidden: snap.SizeHidden,
	}
	if snap.NextTagCap != nil {
		out.TagCap = *snap.NextTagCap
	}
	if snap.SizeHidden {
		out.Message = fmt.Sprintf("Hidden population created. Tag up to %d individuals to begin.", out.TagCap.Limit)
	} else {
		out.Message = fmt.Sprintf("Population of %d created. Tag up to %d individuals to begin.", snap.Size, out.TagCap.Limit)
	}
	return nil, out, nil
}

// handleCmrTag implements the cmr_tag tool.
func (s *Server) handleCmrTag(ctx context.Context, req *sdk.CallToolRequest, args CmrCountInput) (_ *sdk.CallToolResult, _ CmrTagOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("cmr_tag", args.SessionID, start, retErr, sanitizeToolParams(map[string]any{
			"count": args.Count,
		}))
	}()

	c, err := s.lookup("cmr_tag", args.SessionID)
	if err != nil {
		return nil, CmrTagOutput{}, err
	}

	res, err := c.Tag(args.Count)
	if err != nil {
		return nil, CmrTagOutput{}, toolError(err)
	}
	snap := c.Snapshot()

	out := CmrTagOutput{
		SessionID:   args.SessionID,
		Tagged:      res.Tagged,
		Marked:      res.Marked,
		Cap:         res.Cap,
		SampleStale: snap.SampleStale,
	}
	if snap.NextTagCap != nil {
		out.NextCap = *snap.NextTagCap
	}
	out.Message = fmt.Sprintf("Tagged %d individuals; %d are now tagged.", res.Tagged, res.Marked)
	if res.Tagged < res.Requested {
		out.Message += " Every individual is now tagged."
	}
	if snap.SampleStale {
		out.Message += " Recapture again before estimating."
	}
	return nil, out, nil
}

// handleCmrRecapture implements the cmr_recapture tool.
func (s *Server) handleCmrRecapture(ctx context.Context, req *sdk.CallToolRequest, args CmrCountInput) (_ *sdk.CallToolResult, _ CmrRecaptureOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("cmr_recapture", args.SessionID, start, retErr, sanitizeToolParams(map[string]any{
			"count": args.Count,
		}))
	}()

	c, err := s.lookup("cmr_recapture", args.SessionID)
	if err != nil {
		return nil, CmrRecaptureOutput{}, err
	}

	res, err := c.Recapture(args.Count)
	if err != nil {
		return nil, CmrRecaptureOutput{}, toolError(err)
	}

	return nil, CmrRecaptureOutput{
		SessionID:   args.SessionID,
		Sampled:     res.Size,
		Recaptured:  res.Marked,
		Unmarked:    res.Unmarked(),
		TotalMarked: res.TotalMarked,
		Cap:         res.Cap,
		Message:     fmt.Sprintf("Drew %d individuals: %d tagged, %d untagged.", res.Size, res.Marked, res.Unmarked()),
	}, nil
}

// handleCmrEstimate implements the cmr_estimate tool.
// An undefined estimate (m = 0) is a tool error carrying the advice.
func (s *Server) handleCmrEstimate(ctx context.Context, req *sdk.CallToolRequest, args CmrSessionInput) (_ *sdk.CallToolResult, _ CmrEstimateOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("cmr_estimate", args.SessionID, start, retErr, nil)
	}()

	c, err := s.lookup("cmr_estimate", args.SessionID)
	if err != nil {
		return nil, CmrEstimateOutput{}, err
	}

	res, err := c.Estimate()
	if errors.Is(err, estimate.ErrUndefined) {
		return nil, CmrEstimateOutput{}, &ToolError{
			Code:    session.CodeUndefinedEstimate,
			Message: fmt.Sprintf("no tagged individuals were recaptured (M=%d, n=%d); advice: %s", res.Marked, res.Sampled, res.Advice),
			err:     err,
		}
	}
	if err != nil {
		return nil, CmrEstimateOutput{}, toolError(err)
	}

	out := CmrEstimateOutput{
		SessionID:   args.SessionID,
		Estimate:    res.Estimate,
		Marked:      res.Marked,
		Sampled:     res.Sampled,
		Recaptured:  res.Recaptured,
		Proportions: res.Proportions,
		Accuracy:    res.Accuracy,
		Advice:      string(res.Advice),
	}
	out.Message = fmt.Sprintf("Estimated population: %d.", res.Estimate)
	if res.Accuracy != nil {
		out.Message += fmt.Sprintf(" That is %s (%.1f%% off).", res.Accuracy.Category, res.Accuracy.PercentError)
	} else if c.Mode() == estimate.ModeHidden {
		out.Message += " Use cmr_reveal to see the true size."
	}
	return nil, out, nil
}

// handleCmrReveal implements the cmr_reveal tool.
func (s *Server) handleCmrReveal(ctx context.Context, req *sdk.CallToolRequest, args CmrSessionInput) (_ *sdk.CallToolResult, _ CmrRevealOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("cmr_reveal", args.SessionID, start, retErr, nil)
	}()

	c, err := s.lookup("cmr_reveal", args.SessionID)
	if err != nil {
		return nil, CmrRevealOutput{}, err
	}

	rev, err := c.Reveal()
	if err != nil {
		return nil, CmrRevealOutput{}, toolError(err)
	}

	return nil, CmrRevealOutput{
		SessionID:    args.SessionID,
		Size:         rev.Size,
		Estimate:     rev.Estimate,
		Category:     string(rev.Accuracy.Category),
		PercentError: rev.Accuracy.PercentError,
		Advice:       string(rev.Advice),
		Message: fmt.Sprintf("The population was %d. Your estimate of %d is %s (%.1f%% off).",
			rev.Size, rev.Estimate, rev.Accuracy.Category, rev.Accuracy.PercentError),
	}, nil
}

// handleCmrReset implements the cmr_reset tool.
func (s *Server) handleCmrReset(ctx context.Context, req *sdk.CallToolRequest, args CmrSessionInput) (_ *sdk.CallToolResult, _ CmrResetOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("cmr_reset", args.SessionID, start, retErr, nil)
	}()

	c, err := s.lookup("cmr_reset", args.SessionID)
	if err != nil {
		return nil, CmrResetOutput{}, err
	}

	c.Reset()
	return nil, CmrResetOutput{
		SessionID: args.SessionID,
		Phase:     string(c.Snapshot().Phase),
		Message:   "Session reset. Pass its session_id to cmr_new for a new population, or close it.",
	}, nil
}

// handleCmrStatus implements the cmr_status tool.
func (s *Server) handleCmrStatus(ctx context.Context, req *sdk.CallToolRequest, args CmrSessionInput) (_ *sdk.CallToolResult, _ CmrStatusOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("cmr_status", args.SessionID, start, retErr, nil)
	}()

	c, err := s.lookup("cmr_status", args.SessionID)
	if err != nil {
		return nil, CmrStatusOutput{}, err
	}

	snap := c.Snapshot()
	return nil, CmrStatusOutput{
		SessionID:         snap.SessionID,
		Mode:              string(snap.Mode),
		Phase:             string(snap.Phase),
		Size:              snap.Size,
		SizeHidden:        snap.SizeHidden,
		Marked:            snap.Marked,
		Sampled:           snap.Sampled,
		Recaptured:        snap.Recaptured,
		TagAttempts:       snap.TagAttempts,
		RecaptureAttempts: snap.RecaptureAttempts,
		SampleStale:       snap.SampleStale,
		Estimated:         snap.Estimated,
		Revealed:          snap.Revealed,
		NextTagCap:        snap.NextTagCap,
		NextRecaptureCap:  snap.NextRecaptureCap,
		OpenSessions:      s.registry.Len(),
	}, nil
}

// handleCmrClose implements the cmr_close tool.
func (s *Server) handleCmrClose(ctx context.Context, req *sdk.CallToolRequest, args CmrSessionInput) (_ *sdk.CallToolResult, _ CmrCloseOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("cmr_close", args.SessionID, start, retErr, nil)
	}()

	if args.SessionID == "" {
		return nil, CmrCloseOutput{}, invalidArgument("'session_id' parameter is required")
	}
	if err := s.registry.Close(args.SessionID); err != nil {
		return nil, CmrCloseOutput{}, toolError(err)
	}
	s.toolLimiters.Forget(args.SessionID)
	s.updateSessionGauge()

	return nil, CmrCloseOutput{
		SessionID:    args.SessionID,
		OpenSessions: s.registry.Len(),
		Message:      fmt.Sprintf("Session %s closed.", args.SessionID),
	}, nil
}

// handleCmrHistory implements the cmr_history tool.
func (s *Server) handleCmrHistory(ctx context.Context, req *sdk.CallToolRequest, args CmrHistoryInput) (_ *sdk.CallToolResult, _ CmrHistoryOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("cmr_history", args.SessionID, start, retErr, sanitizeToolParams(map[string]any{
			"mode": args.Mode, "limit": args.Limit,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "cmr_history", clientKey(req)); err != nil {
		return nil, CmrHistoryOutput{}, toolError(err)
	}
	if args.Mode != "" {
		if _, err := estimate.ParseMode(args.Mode); err != nil {
			return nil, CmrHistoryOutput{}, invalidArgument(err.Error())
		}
	}
	if args.Limit < 0 {
		return nil, CmrHistoryOutput{}, invalidArgument("'limit' must not be negative")
	}
	limit := args.Limit
	if limit == 0 {
		limit = defaultHistoryLimit
	}

	filter := store.RunFilter{SessionID: args.SessionID, Mode: args.Mode, Limit: limit}
	records, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, CmrHistoryOutput{}, fmt.Errorf("failed to list runs: %w", err)
	}
	// Aggregates would give away N, so unrevealed sessions are left out.
	withheld := filter
	withheld.ExcludeSessions = s.unrevealedSessions()
	summary, err := s.runs.Summary(ctx, withheld)
	if err != nil {
		return nil, CmrHistoryOutput{}, fmt.Errorf("failed to summarize runs: %w", err)
	}

	runs := make([]RunListItem, 0, len(records))
	for _, r := range records {
		runs = append(runs, s.runListItem(r))
	}

	return nil, CmrHistoryOutput{
		Runs:    runs,
		Count:   len(runs),
		Summary: summary,
	}, nil
}

// unrevealedSessions returns the ids of open hidden sessions whose size has
// not been revealed.
func (s *Server) unrevealedSessions() []string {
	var ids []string
	for _, id := range s.registry.IDs() {
		c, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		if c.Snapshot().SizeHidden {
			ids = append(ids, id)
		}
	}
	return ids
}

// runListItem converts a record, withholding the true size and accuracy of
// hidden runs whose session is still open and unrevealed.
func (s *Server) runListItem(r store.RunRecord) RunListItem {
	item := RunListItem{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Mode:         r.Mode,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
		TrueSize:     r.TrueSize,
		Marked:       r.Marked,
		Sampled:      r.Sampled,
		Recaptured:   r.Recaptured,
		Defined:      r.Defined,
		Estimate:     r.Estimate,
		Category:     r.Category,
		PercentError: r.PercentError,
		Advice:       r.Advice,
	}
	if r.Mode != string(estimate.ModeHidden) {
		return item
	}
	c, err := s.registry.Get(r.SessionID)
	if err != nil || !c.Snapshot().SizeHidden {
		return item
	}
	item.TrueSize = 0
	item.Category = ""
	item.PercentError = 0
	return item
}
