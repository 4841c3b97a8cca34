package storage

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db         *sql.DB
	dialect    dialect
	config     *StorageConfig
	logger     *logrus.Entry
	migrations []*Migration

	lastCleanup atomic.Pointer[time.Time]
}

func newSQLStore(d dialect, config *StorageConfig, migrations []*Migration) *sqlStore {
	name := "sqlite"
	if d == dialectPostgres {
		name = "postgres"
	}
	return &sqlStore{
		dialect:    d,
		config:     config,
		logger:     utils.ComponentLogger("storage").WithField("driver", name),
		migrations: migrations,
	}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) connected() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}
	return nil
}

func dbError(message string, err error) error {
	return utils.WrapError(utils.ErrCodeDatabase, message, err)
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(raw string) ([]string, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// stringSet encodes a possibly nil slice as a JSON array.
func stringSet(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}
