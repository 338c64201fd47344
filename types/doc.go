// Package types defines the shared value types of the engine: the structured
// error model with its code taxonomy, token usage accounting, and the result
// contract returned to callers.
package types
