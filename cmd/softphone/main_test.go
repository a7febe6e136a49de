package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/sessionbridge/pkg/capture/testpattern"
	"github.com/arzzra/sessionbridge/pkg/devices"
)

func TestWriteDevices(t *testing.T) {
	list := []devices.Descriptor{testpattern.Descriptor()}

	var js bytes.Buffer
	require.NoError(t, writeDevices(&js, "json", list))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "testpattern", decoded[0]["id"])
	assert.Equal(t, "video", decoded[0]["kind"])

	var ym bytes.Buffer
	require.NoError(t, writeDevices(&ym, "yaml", list))
	var fromYAML []map[string]any
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &fromYAML))
	require.Len(t, fromYAML, 1)
	assert.Equal(t, "Test pattern", fromYAML[0]["name"])

	assert.Error(t, writeDevices(&ym, "xml", list))
}

func TestDevicesCommand(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "softphone.yaml")
	require.NoError(t, writeFile(cfgPath, "capture:\n  backend: testpattern\n"))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"devices", "--config", cfgPath, "--log-level", "error"})
	require.NoError(t, root.Execute())

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "testpattern", decoded[0]["id"])
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "softphone dev")
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
