// Package skill calls external authenticated HTTP APIs on behalf of skill
// nodes.
//
// A [Descriptor] names the endpoint, method, auth scheme and input schema of
// one API. Descriptors come from a [Catalog]; secrets come from a
// [Credentials] source keyed by the descriptor's credential reference, so
// graph documents never carry secrets. [Client.Call] performs one attempt;
// retrying is left to the caller.
package skill
