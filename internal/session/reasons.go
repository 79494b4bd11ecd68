package session

// End and failure reasons stored on the session record.
const (
	ReasonMeetingEnded      = "meeting ended"
	ReasonStreamClosed      = "audio stream closed"
	ReasonSilence           = "silence timeout"
	ReasonMaxDuration       = "max duration reached"
	ReasonShutdown          = "shutdown"
	ReasonJoinFailed        = "join failed"
	ReasonEngineUnavailable = "speech engine unavailable"
	ReasonStoreUnavailable  = "store unavailable"
	ReasonMissedRecovery    = "meeting ended before recovery"
)
