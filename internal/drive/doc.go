/*
Package drive is the narrow interface between gcsf and the remote store.

The core consumes only the Adapter interface: incremental change listing,
full listing, body download/upload, metadata patching, deletion and quota.
Client implements it against the Google Drive v3 API with bounded retries;
MemDrive implements it in memory and is sufficient to exercise the whole
core in tests.
*/
package drive
