package domain

// ClientKind identifies the kind of remote client attached to a session.
type ClientKind string

const (
	ClientWeb     ClientKind = "web"
	ClientIOS     ClientKind = "ios"
	ClientMacOS   ClientKind = "macos"
	ClientUnknown ClientKind = "unknown"
)

// Capabilities are the features a client advertises on hello/attach.
type Capabilities struct {
	NativeTools bool `json:"nativeTools"`
}

// ClientRegistration records which session a client is attached to and what
// it can do on the agent's behalf.
type ClientRegistration struct {
	SessionID    string
	ClientID     string
	ClientKind   ClientKind
	Capabilities Capabilities
}
