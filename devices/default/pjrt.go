//go:build linux && amd64 && !nopjrt

// For now PJRT plugins are only loaded on linux/amd64.

package _default

import _ "github.com/gomlx/mpitests/devices/pjrtdevice"
