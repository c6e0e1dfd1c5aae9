package filter

import "sort"

// Data stream names accepted in export requests.
const (
	StreamAccelerometer   = "accelerometer"
	StreamAmbientAudio    = "ambient_audio"
	StreamAppLog          = "app_log"
	StreamAudioRecordings = "audio_recordings"
	StreamBluetooth       = "bluetooth"
	StreamCalls           = "calls"
	StreamDeviceMotion    = "devicemotion"
	StreamGPS             = "gps"
	StreamGyro            = "gyro"
	StreamIdentifiers     = "identifiers"
	StreamImageSurvey     = "image_survey"
	StreamIOSLog          = "ios_log"
	StreamMagnetometer    = "magnetometer"
	StreamPowerState      = "power_state"
	StreamProximity       = "proximity"
	StreamReachability    = "reachability"
	StreamSurveyAnswers   = "survey_answers"
	StreamSurveyTimings   = "survey_timings"
	StreamTexts           = "texts"
	StreamWifi            = "wifi"
)

var dataStreams = map[string]struct{}{
	StreamAccelerometer:   {},
	StreamAmbientAudio:    {},
	StreamAppLog:          {},
	StreamAudioRecordings: {},
	StreamBluetooth:       {},
	StreamCalls:           {},
	StreamDeviceMotion:    {},
	StreamGPS:             {},
	StreamGyro:            {},
	StreamIdentifiers:     {},
	StreamImageSurvey:     {},
	StreamIOSLog:          {},
	StreamMagnetometer:    {},
	StreamPowerState:      {},
	StreamProximity:       {},
	StreamReachability:    {},
	StreamSurveyAnswers:   {},
	StreamSurveyTimings:   {},
	StreamTexts:           {},
	StreamWifi:            {},
}

func IsDataStream(name string) bool {
	_, ok := dataStreams[name]
	return ok
}

// DataStreams returns the vocabulary in sorted order.
func DataStreams() []string {
	out := make([]string, 0, len(dataStreams))
	for name := range dataStreams {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
