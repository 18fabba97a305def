package rtmp

// Code is a NetConnection or NetStream status code
type Code string

// NetConnection codes
const (
	CodeCallBadVersion       Code = "NetConnection.Call.BadVersion"
	CodeCallFailed           Code = "NetConnection.Call.Failed"
	CodeCallProhibited       Code = "NetConnection.Call.Prohibited"
	CodeConnectAppShutdown   Code = "NetConnection.Connect.AppShutdown"
	CodeConnectClosed        Code = "NetConnection.Connect.Closed"
	CodeConnectFailed        Code = "NetConnection.Connect.Failed"
	CodeConnectIdleTimeOut   Code = "NetConnection.Connect.IdleTimeOut"
	CodeConnectInvalidApp    Code = "NetConnection.Connect.InvalidApp"
	CodeConnectNetworkChange Code = "NetConnection.Connect.NetworkChange"
	CodeConnectRejected      Code = "NetConnection.Connect.Rejected"
	CodeConnectSuccess       Code = "NetConnection.Connect.Success"
)

// NetStream codes
const (
	CodeStreamBufferEmpty             Code = "NetStream.Buffer.Empty"
	CodeStreamBufferFlush             Code = "NetStream.Buffer.Flush"
	CodeStreamBufferFull              Code = "NetStream.Buffer.Full"
	CodeStreamConnectClosed           Code = "NetStream.Connect.Closed"
	CodeStreamConnectFailed           Code = "NetStream.Connect.Failed"
	CodeStreamConnectRejected         Code = "NetStream.Connect.Rejected"
	CodeStreamConnectSuccess          Code = "NetStream.Connect.Success"
	CodeStreamDRMUpdateNeeded         Code = "NetStream.DRM.UpdateNeeded"
	CodeStreamFailed                  Code = "NetStream.Failed"
	CodeStreamMulticastStreamReset    Code = "NetStream.MulticastStream.Reset"
	CodeStreamPauseNotify             Code = "NetStream.Pause.Notify"
	CodeStreamPlayFailed              Code = "NetStream.Play.Failed"
	CodeStreamPlayFileStructure       Code = "NetStream.Play.FileStructureInvalid"
	CodeStreamPlayInsufficientBW      Code = "NetStream.Play.InsufficientBW"
	CodeStreamPlayNoSupportedTrack    Code = "NetStream.Play.NoSupportedTrackFound"
	CodeStreamPlayReset               Code = "NetStream.Play.Reset"
	CodeStreamPlayStart               Code = "NetStream.Play.Start"
	CodeStreamPlayStop                Code = "NetStream.Play.Stop"
	CodeStreamPlayStreamNotFound      Code = "NetStream.Play.StreamNotFound"
	CodeStreamPlayTransition          Code = "NetStream.Play.Transition"
	CodeStreamPlayUnpublishNotify     Code = "NetStream.Play.UnpublishNotify"
	CodeStreamPublishBadName          Code = "NetStream.Publish.BadName"
	CodeStreamPublishIdle             Code = "NetStream.Publish.Idle"
	CodeStreamPublishStart            Code = "NetStream.Publish.Start"
	CodeStreamRecordAlreadyExists     Code = "NetStream.Record.AlreadyExists"
	CodeStreamRecordFailed            Code = "NetStream.Record.Failed"
	CodeStreamRecordNoAccess          Code = "NetStream.Record.NoAccess"
	CodeStreamRecordStart             Code = "NetStream.Record.Start"
	CodeStreamRecordStop              Code = "NetStream.Record.Stop"
	CodeStreamRecordDiskQuotaExceeded Code = "NetStream.Record.DiskQuotaExceeded"
	CodeStreamSecondScreenStart       Code = "NetStream.SecondScreen.Start"
	CodeStreamSecondScreenStop        Code = "NetStream.SecondScreen.Stop"
	CodeStreamSeekFailed              Code = "NetStream.Seek.Failed"
	CodeStreamSeekInvalidTime         Code = "NetStream.Seek.InvalidTime"
	CodeStreamSeekNotify              Code = "NetStream.Seek.Notify"
	CodeStreamStepNotify              Code = "NetStream.Step.Notify"
	CodeStreamUnpauseNotify           Code = "NetStream.Unpause.Notify"
	CodeStreamUnpublishSuccess        Code = "NetStream.Unpublish.Success"
	CodeStreamVideoDimensionChange    Code = "NetStream.Video.DimensionChange"
)

// Level classifies a status code
type Level string

const (
	LevelStatus  Level = "status"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var errorCodes = map[Code]bool{
	CodeCallBadVersion:                true,
	CodeCallFailed:                    true,
	CodeConnectAppShutdown:            true,
	CodeConnectFailed:                 true,
	CodeConnectInvalidApp:             true,
	CodeConnectRejected:               true,
	CodeStreamConnectFailed:           true,
	CodeStreamConnectRejected:         true,
	CodeStreamFailed:                  true,
	CodeStreamPlayFailed:              true,
	CodeStreamPlayFileStructure:       true,
	CodeStreamPlayStreamNotFound:      true,
	CodeStreamPublishBadName:          true,
	CodeStreamRecordFailed:            true,
	CodeStreamRecordNoAccess:          true,
	CodeStreamRecordDiskQuotaExceeded: true,
	CodeStreamSeekFailed:              true,
	CodeStreamSeekInvalidTime:         true,
}

// Level returns the level the code is reported with
func (c Code) Level() Level {
	switch {
	case errorCodes[c]:
		return LevelError
	case c == CodeStreamPlayInsufficientBW:
		return LevelWarning
	default:
		return LevelStatus
	}
}

// Status is a status event raised by a connection or stream
type Status struct {
	Code        Code
	Level       Level
	Description string
}

// NewStatus builds a status with the code's level
func NewStatus(code Code, description string) Status {
	return Status{Code: code, Level: code.Level(), Description: description}
}

// IsError reports whether the status has error level
func (s Status) IsError() bool {
	return s.Level == LevelError
}

// statusFromObject reads an info object from a _result, _error or onStatus
func statusFromObject(v interface{}) (Status, bool) {
	obj, ok := asObject(v)
	if !ok {
		return Status{}, false
	}
	code, ok := obj["code"].(string)
	if !ok {
		return Status{}, false
	}
	st := NewStatus(Code(code), "")
	if level, ok := obj["level"].(string); ok && level != "" {
		st.Level = Level(level)
	}
	if desc, ok := obj["description"].(string); ok {
		st.Description = desc
	}
	return st, true
}

// StatusHandler receives status events
type StatusHandler interface {
	OnStatus(Status)
}

// StatusHandlerFunc adapts a function to StatusHandler
type StatusHandlerFunc func(Status)

func (f StatusHandlerFunc) OnStatus(s Status) { f(s) }
