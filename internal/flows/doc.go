// Package flows holds the request orchestration behind the Engine's login,
// refresh, validate and logout operations.
//
// Each Run function takes a typed dependency struct and returns a result
// carrying a failure kind. The Engine owns every resource, supplies it
// through the deps, and maps failure kinds to its public errors and metrics.
//
// Flows keep no state between calls and never import the root package.
package flows
