package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cronicorn/scheduler/internal/jsonval"
	"github.com/cronicorn/scheduler/internal/model"
)

// CreateSession appends one AIAnalysisSession record (spec.md §4.5: AI
// planning history is append-only, never mutated after creation).
func (b *Backend) CreateSession(ctx context.Context, s *model.AIAnalysisSession) error {
	toolCallsJSON, err := encodeToolCalls(s.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls for session %q: %w", s.ID, err)
	}
	_, err = b.DB.ExecContext(ctx, `
		INSERT INTO ai_analysis_sessions (
			id, endpoint_id, analyzed_at, reasoning, tool_calls_json,
			token_usage, duration_ms, next_analysis_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.EndpointID, timeToStr(s.AnalyzedAt), s.Reasoning, toolCallsJSON,
		s.TokenUsage, s.DurationMs, nullTimeToStr(s.NextAnalysisAt),
	)
	if err != nil {
		return fmt.Errorf("create session %q: %w", s.ID, err)
	}
	return nil
}

// ListSessions returns the most recent limit sessions for an endpoint.
func (b *Backend) ListSessions(ctx context.Context, endpointID string, limit int) ([]*model.AIAnalysisSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := b.DB.QueryContext(ctx, `
		SELECT id, endpoint_id, analyzed_at, reasoning, tool_calls_json, token_usage, duration_ms, next_analysis_at
		FROM ai_analysis_sessions WHERE endpoint_id = ? ORDER BY analyzed_at DESC LIMIT ?`,
		endpointID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions for endpoint %q: %w", endpointID, err)
	}
	defer rows.Close()

	var out []*model.AIAnalysisSession
	for rows.Next() {
		var s model.AIAnalysisSession
		var analyzedAtStr string
		var toolCallsJSON string
		var nextAnalysisAtStr sql.NullString
		if err := rows.Scan(&s.ID, &s.EndpointID, &analyzedAtStr, &s.Reasoning, &toolCallsJSON, &s.TokenUsage, &s.DurationMs, &nextAnalysisAtStr); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		t, err := strToTime(analyzedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parse analyzed_at: %w", err)
		}
		s.AnalyzedAt = t
		if s.NextAnalysisAt, err = nullStrToTime(nextAnalysisAtStr); err != nil {
			return nil, err
		}
		s.ToolCalls, err = decodeToolCalls(toolCallsJSON)
		if err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

type toolCallWire struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args"`
	Result json.RawMessage `json:"result"`
}

func encodeToolCalls(calls []model.ToolCall) (string, error) {
	wire := make([]toolCallWire, 0, len(calls))
	for _, c := range calls {
		argsB, err := jsonval.Encode(c.Args)
		if err != nil {
			return "", err
		}
		resultB, err := jsonval.Encode(c.Result)
		if err != nil {
			return "", err
		}
		wire = append(wire, toolCallWire{Tool: c.Tool, Args: argsB, Result: resultB})
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeToolCalls(s string) ([]model.ToolCall, error) {
	if s == "" {
		return nil, nil
	}
	var wire []toolCallWire
	if err := json.Unmarshal([]byte(s), &wire); err != nil {
		return nil, err
	}
	calls := make([]model.ToolCall, 0, len(wire))
	for _, w := range wire {
		args, err := jsonval.Parse(w.Args)
		if err != nil {
			args = jsonval.Null()
		}
		result, err := jsonval.Parse(w.Result)
		if err != nil {
			result = jsonval.Null()
		}
		calls = append(calls, model.ToolCall{Tool: w.Tool, Args: args, Result: result})
	}
	return calls, nil
}
