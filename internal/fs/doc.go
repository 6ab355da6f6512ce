/*
Package fs is the core of gcsf: the in-memory filesystem state and the
translation layer from kernel callbacks to remote Drive operations.

The state is an arena of entities keyed by local handle plus an edge index
mapping (parent handle, visible name) to child handles. Remote objects form
a DAG (an object may have several parents); every parent link becomes one
directory entry, and an entity disappears only when its last edge does.

All mutation goes through Filesystem, which serialises the kernel-facing
request loop and the background delta synchroniser behind one exclusive
lock.
*/
package fs
