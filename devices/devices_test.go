// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	Device
	config    string
	deviceNum int
}

func (f *fakeDevice) Name() string   { return "fake" }
func (f *fakeDevice) DeviceNum() int { return f.deviceNum }

func TestSplitConfig(t *testing.T) {
	name, config := SplitConfig("pjrt:cuda")
	require.Equal(t, "pjrt", name)
	require.Equal(t, "cuda", config)

	name, config = SplitConfig("sim")
	require.Equal(t, "sim", name)
	require.Empty(t, config)

	name, config = SplitConfig("pjrt:/opt/plugins/pjrt_c_api_rocm_plugin.so:x")
	require.Equal(t, "pjrt", name)
	require.Equal(t, "/opt/plugins/pjrt_c_api_rocm_plugin.so:x", config)
}

func init() {
	Register("fake", func(config string, deviceNum int) (Device, error) {
		if config == "broken" {
			return nil, errors.New("broken configuration")
		}
		return &fakeDevice{config: config, deviceNum: deviceNum}, nil
	})
}

func TestOpen(t *testing.T) {
	require.Contains(t, List(), "fake")

	d, err := Open("fake:abc", 2)
	require.NoError(t, err)
	require.Equal(t, "abc", d.(*fakeDevice).config)
	require.Equal(t, 2, d.DeviceNum())

	_, err = Open("fake:broken", 0)
	require.ErrorContains(t, err, "broken configuration")

	_, err = Open("fake", -1)
	require.Error(t, err)

	_, err = Open("nonexistent:xyz", 0)
	require.True(t, errors.Is(err, ErrNotFound), "got %+v", err)
}

func TestDefaultConfigString(t *testing.T) {
	t.Setenv(MPITEST_DEVICE, "fake:env")
	require.Equal(t, "fake:env", DefaultConfigString())
	d, err := OpenDefault(1)
	require.NoError(t, err)
	require.Equal(t, "env", d.(*fakeDevice).config)
}
