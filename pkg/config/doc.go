// Package config loads hoosegow's YAML configuration and converts it into
// driver and bundle settings.
package config
