// Package auth mints and validates the HS256 JWTs that guard the HTTP API.
//
// Tokens carry a subject and one of three roles:
//   - viewer: read device state and stats, subscribe to events
//   - operator: viewer plus sending commands
//   - admin: operator plus connect, disconnect and reconnect
//
// Permissions are a static role mapping; there is no user store. Tokens are
// minted out of band with `avlinkd token`.
package auth
