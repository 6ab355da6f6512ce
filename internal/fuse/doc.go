/*
Package fuse is the thin glue between the kernel and the dispatcher: a raw
go-fuse bridge that forwards each callback to the core on a single-threaded
request loop, and a mount manager that builds kernel options from
configuration and runs the serve loop.

Callbacks the core does not support (extended attributes, locks, fallocate
and friends) are deliberately not implemented: the embedded default bridge
answers ENOSYS, which stops the kernel from asking again.
*/
package fuse
