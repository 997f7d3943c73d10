package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cronicorn/scheduler/internal/jsonval"
)

const timeLayout = time.RFC3339Nano

func timeToStr(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func strToTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTimeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToStr(*t), Valid: true}
}

func nullStrToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := strToTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
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

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
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

func jsonValueToStr(v jsonval.Value) string {
	if v.IsNull() {
		return "null"
	}
	b, err := jsonval.Encode(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func strToJSONValue(s string) jsonval.Value {
	if s == "" {
		return jsonval.Null()
	}
	v, err := jsonval.Parse([]byte(s))
	if err != nil {
		return jsonval.Null()
	}
	return v
}

func labelsToStr(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	b, _ := json.Marshal(labels)
	return string(b)
}

func strToLabels(s string) []string {
	if s == "" {
		return nil
	}
	var labels []string
	_ = json.Unmarshal([]byte(s), &labels)
	return labels
}
