//go:build rocm

package _default

import _ "github.com/gomlx/mpitests/devices/hipdevice"
