// Package history streams per-participant metadata histories as JSON arrays.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"dataexport/pkg/access"
	"dataexport/pkg/paginate"
)

type Kind string

const (
	KindUploads      Kind = "uploads"
	KindHeartbeats   Kind = "heartbeats"
	KindVersions     Kind = "versions"
	KindDeviceStatus Kind = "device_status"
)

const deviceStatusPageSize = 1000

func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindUploads, KindHeartbeats, KindVersions, KindDeviceStatus:
		return k, true
	}
	return "", false
}

type Upload struct {
	ID        int64
	FileSize  int64
	Timestamp time.Time
	FilePath  string
}

type Heartbeat struct {
	ID        int64
	Timestamp time.Time
}

type Version struct {
	ID             int64
	AppVersionCode string
	AppVersionName string
	OSVersion      string
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// tableSource pages one participant's rows of a history table by id.
type tableSource[T any] struct {
	db            querier
	table         string
	columns       string
	participantID int64
	scan          func(pgx.CollectableRow) (T, error)
}

func (s *tableSource[T]) PageIDs(ctx context.Context, after int64, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT id FROM %s WHERE participant_id = $1 AND id > $2 ORDER BY id LIMIT $3`, s.table),
		s.participantID, after, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *tableSource[T]) Fetch(ctx context.Context, ids []int64) ([]T, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT id, %s FROM %s WHERE id = ANY($1)`, s.columns, s.table), ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, s.scan)
}

// Service builds history streams for an authorized participant.
type Service struct {
	DB      querier
	Reports *ReportDecoder
}

// Stream returns the JSON stream for kind. Arrays switches rows to value lists;
// device status rows are always objects.
func (s *Service) Stream(ctx context.Context, kind Kind, p access.Participant, shape paginate.RowShape) (paginate.ChunkStream, error) {
	switch kind {
	case KindUploads:
		src := &tableSource[Upload]{
			db: s.DB, table: "upload_trackers", columns: "file_size, timestamp, file_path", participantID: p.ID,
			scan: func(row pgx.CollectableRow) (Upload, error) {
				var u Upload
				err := row.Scan(&u.ID, &u.FileSize, &u.Timestamp, &u.FilePath)
				return u, err
			},
		}
		prefix := p.PatientID + "/"
		codec := paginate.FuncCodec[Upload]{
			Names: []string{"file_size", "timestamp", "file_name"},
			Row: func(u Upload) []any {
				return []any{u.FileSize, u.Timestamp, strings.TrimPrefix(u.FilePath, prefix)}
			},
		}
		pages := paginate.New[Upload](src, func(u Upload) int64 { return u.ID })
		return paginate.NewJSONStream(ctx, pages, codec, shape), nil

	case KindHeartbeats:
		src := &tableSource[Heartbeat]{
			db: s.DB, table: "app_heartbeats", columns: "timestamp", participantID: p.ID,
			scan: func(row pgx.CollectableRow) (Heartbeat, error) {
				var h Heartbeat
				err := row.Scan(&h.ID, &h.Timestamp)
				return h, err
			},
		}
		codec := paginate.FuncCodec[Heartbeat]{
			Names: []string{"timestamp"},
			Row:   func(h Heartbeat) []any { return []any{h.Timestamp} },
		}
		pages := paginate.New[Heartbeat](src, func(h Heartbeat) int64 { return h.ID })
		return paginate.NewJSONStream(ctx, pages, codec, shape), nil

	case KindVersions:
		src := &tableSource[Version]{
			db: s.DB, table: "app_version_history", columns: "app_version_code, app_version_name, os_version", participantID: p.ID,
			scan: func(row pgx.CollectableRow) (Version, error) {
				var v Version
				err := row.Scan(&v.ID, &v.AppVersionCode, &v.AppVersionName, &v.OSVersion)
				return v, err
			},
		}
		codec := paginate.FuncCodec[Version]{
			Names: []string{"app_version_code", "app_version_name", "os_version"},
			Row:   func(v Version) []any { return []any{v.AppVersionCode, v.AppVersionName, v.OSVersion} },
		}
		pages := paginate.New[Version](src, func(v Version) int64 { return v.ID })
		return paginate.NewJSONStream(ctx, pages, codec, shape), nil

	case KindDeviceStatus:
		src := &tableSource[DeviceStatus]{
			db: s.DB, table: "device_status_reports", columns: "created_on, endpoint, app_os, os_version, app_version, compressed_report", participantID: p.ID,
			scan: func(row pgx.CollectableRow) (DeviceStatus, error) {
				var d DeviceStatus
				err := row.Scan(&d.ID, &d.CreatedOn, &d.Endpoint, &d.AppOS, &d.OSVersion, &d.AppVersion, &d.Compressed)
				return d, err
			},
		}
		decoder := s.Reports
		if decoder == nil {
			decoder = DefaultReportDecoder
		}
		pages := paginate.New[DeviceStatus](src, func(d DeviceStatus) int64 { return d.ID },
			paginate.WithPageSize[DeviceStatus](deviceStatusPageSize),
			paginate.WithTransform(decoder.Expand))
		return paginate.NewJSONStream(ctx, pages, DeviceStatusCodec, paginate.Objects), nil
	}
	return nil, fmt.Errorf("unknown history kind %q", kind)
}
