// Package dedupe remembers the outcomes of idempotent requests for a bounded
// window so retried requests are answered without re-running side effects.
package dedupe
