// Package check classifies addresses before any SMTP traffic: syntax,
// domain resolution through the domain cache, and mailbox type. Nothing in
// this package returns an error for bad input; every function returns a
// structured result.
package check
