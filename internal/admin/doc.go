// Package admin is the devtools HTTP surface. It is a thin veneer over the
// router's public operations and serves only on an operator-chosen address,
// guarded by a bearer token unless explicitly allowed to run open.
package admin
