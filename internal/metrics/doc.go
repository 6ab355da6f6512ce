/*
Package metrics collects Prometheus counters for the mount: kernel
operations by name and result, content-cache effectiveness, synchroniser
cycles, and adapter call latencies. The registry is exposed over HTTP only
when debugging is enabled.
*/
package metrics
