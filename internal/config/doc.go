/*
Package config loads and validates the gcsf configuration.

Configuration comes from a YAML file (by default
$XDG_CONFIG_HOME/gcsf/gcsf.yml) with compiled-in defaults for every absent
value. CLI flags override individual fields after loading.
*/
package config
