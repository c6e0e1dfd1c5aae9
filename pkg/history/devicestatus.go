package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"dataexport/pkg/paginate"
)

// emptyReport marks a report row stored without content.
var emptyReport = []byte("empty")

type DeviceStatus struct {
	ID         int64
	CreatedOn  time.Time
	Endpoint   string
	AppOS      string
	OSVersion  string
	AppVersion string
	Compressed []byte
	Status     json.RawMessage
}

var DeviceStatusCodec = paginate.FuncCodec[DeviceStatus]{
	Names: []string{"created_on", "endpoint", "app_os", "os_version", "app_version", "device_status"},
	Row: func(d DeviceStatus) []any {
		return []any{d.CreatedOn, d.Endpoint, d.AppOS, d.OSVersion, d.AppVersion, d.Status}
	},
}

// ReportDecoder expands zstd-compressed JSON reports. It is safe for concurrent use.
type ReportDecoder struct {
	dec *zstd.Decoder
}

var DefaultReportDecoder *ReportDecoder

func init() {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic("history: zstd decoder initialization failed: " + err.Error())
	}
	DefaultReportDecoder = &ReportDecoder{dec: dec}
}

// Expand is a page transform: it replaces each compressed report with the
// decoded JSON object and drops the compressed bytes.
func (r *ReportDecoder) Expand(page []DeviceStatus) ([]DeviceStatus, error) {
	for i := range page {
		d := &page[i]
		if bytes.Equal(d.Compressed, emptyReport) || len(d.Compressed) == 0 {
			d.Status = json.RawMessage(`{}`)
			d.Compressed = nil
			continue
		}
		raw, err := r.dec.DecodeAll(d.Compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("device status %d: zstd decompress: %w", d.ID, err)
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("device status %d: report is not json", d.ID)
		}
		d.Status = raw
		d.Compressed = nil
	}
	return page, nil
}
