package types

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullRunnable() *Runnable {
	return NewRunnable("exec-test", "/bin/echo", "-n", "hello").
		WithKwarg("ZETA", "1").
		WithKwarg("ALPHA", "2").
		WithTag("arch", "x86_64", "aarch64").
		WithTag("fast").
		WithVariant(&Variant{Paths: []string{"/run/*"}, VariantID: "a1b2", Variant: json.RawMessage(`[["/",[]]]`)}).
		WithDependency(NewRunnable("noop", "setup")).
		WithAsset("image", "sha1:abc", "https://example.com/image.qcow2").
		WithConfig("run.keep_tmp", "on")
}

func TestRunnableJSONRoundTrip(t *testing.T) {
	r := fullRunnable()
	path := filepath.Join(t.TempDir(), "runnable.json")

	require.NoError(t, r.WriteJSON(path))
	got, err := ReadJSON(path)
	require.NoError(t, err)

	assert.Equal(t, r, got)
	assert.Equal(t, []string{"-n", "hello"}, got.Args)
	assert.Equal(t, "ZETA", got.Kwargs[0].Key, "kwargs keep insertion order")
	assert.Equal(t, "ALPHA", got.Kwargs[1].Key)
	assert.Equal(t, []string{"aarch64", "x86_64"}, got.Tags["arch"], "tag sets are sorted")
	assert.Equal(t, []string{}, got.Tags["fast"])
}

func TestKwargsMarshalPreservesOrder(t *testing.T) {
	k := Kwargs{}.Set("b", "1").Set("a", "2").Set("b", "3")
	data, err := json.Marshal(k)
	require.NoError(t, err)
	assert.Equal(t, `{"b":"3","a":"2"}`, string(data))

	var back Kwargs
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, k, back)

	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &back), "non-string values are rejected")
	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &back))
}

func TestReadRunnables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.json")
	data, _ := json.Marshal([]*Runnable{NewRunnable("noop", "a"), NewRunnable("exec-test", "/bin/true")})
	require.NoError(t, writeFile(path, data))

	list, err := ReadRunnables(path)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "noop", list[0].Kind)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, writeFile(bad, []byte(`[{"uri":"x"}]`)))
	_, err = ReadRunnables(bad)
	assert.ErrorIs(t, err, ErrMissingKind)
}

func TestRunnableIdentifier(t *testing.T) {
	r := NewRunnable("exec-test", "/bin/sleep", "1", "2").WithKwarg("K", "v")

	tests := []struct {
		format string
		want   string
	}{
		{"", "/bin/sleep"},
		{"{uri}", "/bin/sleep"},
		{"{uri}-{args[0]}", "/bin/sleep-1"},
		{"{uri}-{args}", "/bin/sleep-1-2"},
		{"{kind}:{kwargs[K]}", "exec-test:v"},
		{"{uri}-{kwargs}", "/bin/sleep-v"},
		{"{uri}-{args[5]}", "/bin/sleep"},
		{"{uri}-{kwargs[missing]}", "/bin/sleep"},
		{"{nope}", "/bin/sleep"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			r.IdentifierFormat = tt.format
			assert.Equal(t, tt.want, r.Identifier())
		})
	}
}

func TestRunnableKey(t *testing.T) {
	a := NewRunnable("noop", "x", "1")
	b := NewRunnable("noop", "x", "1")
	c := NewRunnable("noop", "x", "2")

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestCommandArgsRoundTrip(t *testing.T) {
	r := NewRunnable("exec-test", "/bin/echo", "-n", "plain").
		WithKwarg("FOO", "a=b").
		WithTag("arch", "x86_64").
		WithConfig("timeout", "10")

	args := r.CommandArgs()
	assert.Equal(t, []string{"-k", "exec-test", "-u", "/bin/echo"}, args[:4])
	assert.Contains(t, args, "base64:LW4=", "dash-prefixed args are encoded")
	assert.Contains(t, args, "FOO=a=b")
	assert.Contains(t, args, "arch=x86_64")

	back, err := ParseCommandArgs(args)
	require.NoError(t, err)
	assert.Equal(t, r.Kind, back.Kind)
	assert.Equal(t, r.URI, back.URI)
	assert.Equal(t, r.Args, back.Args)
	assert.Equal(t, r.Kwargs, back.Kwargs)
	assert.Equal(t, r.Tags, back.Tags)
	assert.Equal(t, r.Config, back.Config)
}

func TestParseCommandArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		err  error
	}{
		{"missing kind", []string{"-u", "x"}, ErrMissingKind},
		{"bad kwarg", []string{"-k", "noop", "-c", "novalue"}, ErrInvalidArgument},
		{"bad base64", []string{"-k", "noop", "-a", "base64:!!"}, ErrInvalidArgument},
		{"bad config", []string{"-k", "noop", "--config", "{"}, ErrInvalidArgument},
		{"unknown flag", []string{"-k", "noop", "--bogus"}, ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommandArgs(tt.args)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
