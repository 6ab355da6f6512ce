/*
Package session acquires and persists OAuth 2.0 sessions for Drive access.

A session is one OAuth token (access token, refresh token and expiry)
stored as a JSON file named after the session under the config directory. login creates it interactively (either
by pasting an authorization code or through a local redirect listener),
logout deletes it, list enumerates the directory, verify refreshes the
token to prove the session still works.
*/
package session
