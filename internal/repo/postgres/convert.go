package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cronicorn/scheduler/internal/jsonval"
)

// Unlike sqlite's convert.go, pgx/v5's stdlib driver binds time.Time and
// JSONB columns natively, so these helpers are thinner — mostly nullable
// wrapping, not string encoding.

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func fromNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func jsonValueToBytes(v jsonval.Value) []byte {
	if v.IsNull() {
		return []byte("null")
	}
	b, err := jsonval.Encode(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func bytesToJSONValue(b []byte) jsonval.Value {
	if len(b) == 0 {
		return jsonval.Null()
	}
	v, err := jsonval.Parse(b)
	if err != nil {
		return jsonval.Null()
	}
	return v
}

func labelsToBytes(labels []string) []byte {
	if labels == nil {
		labels = []string{}
	}
	b, _ := json.Marshal(labels)
	return b
}

func bytesToLabels(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var labels []string
	_ = json.Unmarshal(b, &labels)
	return labels
}
