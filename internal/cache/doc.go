/*
Package cache holds the two read-through caches of the mount: downloaded
file bodies (bounded LRU with TTL) and the account quota figures.

A body cache entry is the full binary content of one remote entity, keyed
by remote ID. Absence from the cache does not mean absence of the file; it
means the next read triggers a download. Entries carrying unflushed local
writes are marked dirty and are exempt from expiry and eviction until the
flush path clears them.
*/
package cache
