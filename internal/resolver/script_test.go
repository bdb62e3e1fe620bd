package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

func newReq(url string) *traffic.Request {
	req := traffic.NewRequest()
	req.URL = url
	return req
}

const moduleSrc = `
var inits = 0;
exports.default = async function () { inits++; };
exports.is_at = function (req) { return req.url.indexOf("/at/") !== -1; };
exports.resolve = async function (req) {
  return { status: 200, headers: { "Content-Type": "text/html" }, body: "<p>" + req.url + "</p>" };
};
exports.init_wasm_log = function () { console.log("log ready"); };
exports.inits = function () { return inits; };
`

func TestLoadModule_NamedExports(t *testing.T) {
	path := writeScript(t, t.TempDir(), "atpage_renderer.js", moduleSrc)
	b, err := LoadModule(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.VariantModule, b.Variant())

	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	mc, ok := ManagedCheckerOf(b)
	require.True(t, ok)
	managed, err := mc.IsManaged(ctx, newReq("http://localhost/at/did/page"))
	require.NoError(t, err)
	assert.True(t, managed)
	managed, err = mc.IsManaged(ctx, newReq("http://localhost/style.css"))
	require.NoError(t, err)
	assert.False(t, managed)

	li, ok := LogInitializerOf(b)
	require.True(t, ok)
	assert.NoError(t, li.InitLog())

	res, err := b.Resolve(ctx, newReq("http://localhost/at/x"))
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "text/html", res.Headers.Get("content-type"))
	assert.Equal(t, "<p>http://localhost/at/x</p>", string(res.Body))
}

func TestLoadModule_OptionalExportsAbsent(t *testing.T) {
	path := writeScript(t, t.TempDir(), "old.js", `
module.exports = { default: function () {}, resolve: function () { return "hello"; } };
`)
	b, err := LoadModule(path, Options{})
	require.NoError(t, err)

	_, ok := ManagedCheckerOf(b)
	assert.False(t, ok)
	_, ok = LogInitializerOf(b)
	assert.False(t, ok)

	res, err := b.Resolve(context.Background(), newReq("http://localhost/at/x"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Body))
	assert.Empty(t, res.Headers)
}

func TestScriptBinding_ResponseHeadersUnmodified(t *testing.T) {
	path := writeScript(t, t.TempDir(), "raw.js", `
exports.default = function () {};
exports.resolve = function () {
  return { status: 201, headers: { "Set-Cookie": ["a=1", "b=2"], "X-Id": 7 }, body: "%PDF-1.4" };
};
`)
	b, err := LoadModule(path, Options{})
	require.NoError(t, err)

	res, err := b.Resolve(context.Background(), newReq("http://localhost/at/x"))
	require.NoError(t, err)
	assert.Equal(t, 201, res.StatusCode)
	assert.Equal(t, []string{"a=1", "b=2"}, res.Headers.Values("set-cookie"))
	assert.Equal(t, "7", res.Headers.Get("x-id"))
	assert.Empty(t, res.Headers.Get("Content-Type"))
	assert.Equal(t, "%PDF-1.4", string(res.Body))
}

func TestLoadModule_MissingResolve(t *testing.T) {
	path := writeScript(t, t.TempDir(), "bad.js", `exports.default = function () {};`)
	_, err := LoadModule(path, Options{})
	assert.True(t, errors.Is(err, ErrNoExport))
}

func TestScriptBinding_Rejection(t *testing.T) {
	path := writeScript(t, t.TempDir(), "reject.js", `
exports.default = async function () { throw new Error("wasm missing"); };
exports.resolve = async function () { throw new Error("object not found"); };
`)
	b, err := LoadModule(path, Options{})
	require.NoError(t, err)

	err = b.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wasm missing")

	_, err = b.Resolve(context.Background(), newReq("http://localhost/at/x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object not found")
}

func TestScriptBinding_PendingPromise(t *testing.T) {
	path := writeScript(t, t.TempDir(), "pending.js", `
exports.default = function () { return new Promise(function () {}); };
exports.resolve = function () { return "x"; };
`)
	b, err := LoadModule(path, Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, b.Initialize(context.Background()), ErrPromisePending)
}

func TestScriptBinding_CancelledContext(t *testing.T) {
	path := writeScript(t, t.TempDir(), "m.js", moduleSrc)
	b, err := LoadModule(path, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Resolve(ctx, newReq("http://localhost/at/x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadClassic_GlobalBinding(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "atpage_renderer.js", `
var wasm_bindgen = function (opts) {
  wasm_bindgen.loadedFrom = opts && opts.module_or_path;
};
wasm_bindgen.resolve = function (req) { return { status: 201, body: wasm_bindgen.loadedFrom }; };
wasm_bindgen.is_at = function (req) { return true; };
`)
	path := writeScript(t, dir, "sw_nomod.js", `importScripts("./atpage_renderer.js");`)

	b, err := LoadClassic(path, Options{InitArg: "/nomod/atpage_renderer_bg.wasm"})
	require.NoError(t, err)
	assert.Equal(t, domain.VariantClassic, b.Variant())

	require.NoError(t, b.Initialize(context.Background()))
	_, ok := ManagedCheckerOf(b)
	assert.True(t, ok)
	_, ok = LogInitializerOf(b)
	assert.False(t, ok)

	res, err := b.Resolve(context.Background(), newReq("http://localhost/at/x"))
	require.NoError(t, err)
	assert.Equal(t, 201, res.StatusCode)
	assert.Equal(t, "/nomod/atpage_renderer_bg.wasm", string(res.Body))
}

func TestLoadClassic_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadClassic(writeScript(t, dir, "none.js", `var x = 1;`), Options{})
	assert.ErrorIs(t, err, ErrNoExport)

	_, err = LoadClassic(writeScript(t, dir, "imp.js", `importScripts("./missing.js");`), Options{})
	assert.Error(t, err)
}

func TestLoad_Variant(t *testing.T) {
	path := writeScript(t, t.TempDir(), "m.js", moduleSrc)
	b, err := Load(domain.VariantModule, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.VariantModule, b.Variant())

	_, err = Load(domain.ScriptVariant("wasm"), path, Options{})
	assert.Error(t, err)
}

func TestFuncs_Capabilities(t *testing.T) {
	f := &Funcs{}
	_, ok := ManagedCheckerOf(f)
	assert.False(t, ok)
	_, err := f.Resolve(context.Background(), newReq("http://x/"))
	assert.ErrorIs(t, err, ErrNoExport)

	f.IsManagedFunc = func(context.Context, *traffic.Request) (bool, error) { return true, nil }
	mc, ok := ManagedCheckerOf(f)
	require.True(t, ok)
	managed, err := mc.IsManaged(context.Background(), newReq("http://x/"))
	require.NoError(t, err)
	assert.True(t, managed)
}
