package archive

import (
	"strings"

	"dataexport/pkg/filter"
	"dataexport/pkg/records"
)

// FileName is the path of a stub inside an export archive.
//
//	survey_answers   patient/stream/<survey id from path>/<time>.<ext>
//	image_survey     patient/stream/<survey id>/<instance>/<file name>
//	survey_timings   patient/stream/<survey object id>/<time>.<ext>
//	audio_recordings patient/stream/<survey id>/<time>.<ext> when the path has four slashes
//	anything else    patient/stream/<time>.<ext>
//
// Paths too shallow for their stream's layout fall back to the default form.
func FileName(s records.Stub) string {
	ext := extension(s.ContentPath)
	bin := timeBinName(s)
	base := s.PatientID + "/" + s.DataStream + "/"

	switch s.DataStream {
	case filter.StreamSurveyAnswers:
		if survey, ok := fromRight(s.ContentPath, 2); ok {
			return base + survey + "/" + bin + "." + ext
		}
	case filter.StreamImageSurvey:
		survey, ok1 := fromRight(s.ContentPath, 3)
		instance, ok2 := fromRight(s.ContentPath, 2)
		name, ok3 := fromRight(s.ContentPath, 1)
		if ok1 && ok2 && ok3 {
			return base + survey + "/" + instance + "/" + name
		}
	case filter.StreamSurveyTimings:
		return base + s.SurveyObjectID + "/" + bin + "." + ext
	case filter.StreamAudioRecordings:
		if strings.Count(s.ContentPath, "/") == 4 {
			if survey, ok := fromRight(s.ContentPath, 2); ok {
				return base + survey + "/" + bin + "." + ext
			}
		}
	}
	return base + bin + "." + ext
}

// extension is the last three characters of the content path.
func extension(path string) string {
	if len(path) <= 3 {
		return path
	}
	return path[len(path)-3:]
}

// timeBinName renders the time bin as "2006-01-02 15_04_05+00_00".
func timeBinName(s records.Stub) string {
	return strings.ReplaceAll(s.TimeBin.UTC().Format("2006-01-02 15:04:05-07:00"), ":", "_")
}

// fromRight splits path on at most its last n slashes and returns the piece
// after the leftmost split: n=1 is the file name, n=2 its parent directory.
// ok is false when path has no slash.
func fromRight(path string, n int) (string, bool) {
	parts := rsplit(path, "/", n)
	if len(parts) < 2 {
		return "", false
	}
	return parts[1], true
}

func rsplit(s, sep string, n int) []string {
	var tail []string
	for i := 0; i < n; i++ {
		idx := strings.LastIndex(s, sep)
		if idx < 0 {
			break
		}
		tail = append(tail, s[idx+len(sep):])
		s = s[:idx]
	}
	out := make([]string, 0, len(tail)+1)
	out = append(out, s)
	for i := len(tail) - 1; i >= 0; i-- {
		out = append(out, tail[i])
	}
	return out
}
