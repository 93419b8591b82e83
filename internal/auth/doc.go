// Package auth provides bearer-token authentication for the relay's HTTP API.
//
// Auth is off unless auth.jwt_secret is configured. When it is on, every
// /chat and /api request must carry
//
//	Authorization: Bearer <jwt>
//
// where the JWT is HS256 signed with the secret and its "sub" claim names
// the user. The subject replaces any userId sent in the request body, so a
// client cannot speak for another user.
//
// Tokens are minted with `relay-gateway token --user NAME`:
//
//	verifier, _ := auth.NewJWTVerifier(secret, "coven-relay")
//	token, _ := verifier.Generate("alice", 30*24*time.Hour)
//
// Handlers read the caller with FromContext.
package auth
