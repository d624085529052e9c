// Package router matches an inbound natural-language-shaped request against
// discovered capabilities. The actual classification is an opaque external
// collaborator behind the Classifier interface; the router only owns the
// deterministic fallback rule and the guarantee that it never blocks
// indefinitely on the collaborator.
package router
