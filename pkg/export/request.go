package export

import (
	"strings"

	"dataexport/pkg/access"
	"dataexport/pkg/apierr"
	"dataexport/pkg/history"
	"dataexport/pkg/paginate"
)

type Format string

const (
	FormatZip  Format = "zip"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Request is one export call. Params holds every raw request value; the
// credential fields are read from there when AccessKey/SecretKey are empty.
// History selects a participant history stream instead of chunk records.
type Request struct {
	Params    map[string][]string
	AccessKey string
	SecretKey string
	History   history.Kind
}

func (r Request) first(names ...string) (string, bool) {
	for _, name := range names {
		if vs, ok := r.Params[name]; ok && len(vs) > 0 {
			return vs[0], true
		}
	}
	return "", false
}

func (r Request) credentials() (string, string) {
	key, secret := r.AccessKey, r.SecretKey
	if key == "" {
		key, _ = r.first("access_key", "accessKey")
	}
	if secret == "" {
		secret, _ = r.first("secret_key", "secretKey")
	}
	return key, secret
}

// Resource builds the requested resource without validating it; the
// authorizer owns the malformed and missing checks.
func (r Request) Resource() access.Resource {
	if r.History != "" {
		res := access.Resource{Kind: access.KindParticipant}
		if v, ok := r.first("participant_id", "participantId", "patient_id"); ok {
			res.PatientID = access.StringPtr(v)
		}
		return res
	}
	res := access.Resource{Kind: access.KindStudy}
	if v, ok := r.first("study_id", "studyExternalId"); ok && v != "" {
		res.StudyObjectID = access.StringPtr(v)
	}
	if v, ok := r.first("study_pk", "studyInternalId"); ok && v != "" {
		res.StudyID = access.StringPtr(v)
	}
	return res
}

func (r Request) format() (Format, error) {
	v, ok := r.first("format")
	if !ok || strings.TrimSpace(v) == "" {
		return FormatZip, nil
	}
	switch f := Format(strings.ToLower(strings.TrimSpace(v))); f {
	case FormatZip, FormatJSON, FormatCSV:
		return f, nil
	}
	return "", apierr.New(apierr.UnsupportedFormat, "format must be one of json, csv, zip")
}

func (r Request) manifest() (string, bool) {
	return r.first("registry", "manifest")
}

// flag reads a boolean request value: only "true", in any case, is true.
func (r Request) flag(names ...string) bool {
	v, _ := r.first(names...)
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

func (r Request) rowShape() paginate.RowShape {
	if r.flag("omit_keys") {
		return paginate.Arrays
	}
	return paginate.Objects
}

// present reports whether any of names was sent, whatever its value.
func (r Request) present(names ...string) bool {
	_, ok := r.first(names...)
	return ok
}
