package sdk

// Version is the published SDK version.
// 0.4.0: refresh cookie persisted with the credential; latency reported in seconds.
// 0.3.0: Authenticator replays requests whose token was replaced while in flight without renewing again.
// 0.2.0: Redis and file token stores; oauth2.TokenSource adapter.
const Version = "0.4.0"
