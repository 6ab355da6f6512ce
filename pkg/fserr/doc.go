/*
Package fserr provides the structured error system shared by all gcsf
components.

Every failure that crosses an internal interface is an *Error carrying a
Kind. Kinds classify failures the way the kernel boundary needs them
classified: each Kind has exactly one POSIX errno, produced by Errno. The
Drive adapter additionally tags transport-level failures as retryable so
that pkg/retry can distinguish a flaky connection from a genuine 404.
*/
package fserr
