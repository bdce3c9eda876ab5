// Package middleware adapts authcore access validation to net/http.
//
// [Guard] reads the bearer token from the Authorization header, calls
// ValidateAccess and injects the resulting session into the request
// context. [RequireScope] then restricts a route to a role or permission
// carried in the token scope.
//
// All authentication decisions are delegated to the engine; this package
// only maps outcomes to status codes.
package middleware
