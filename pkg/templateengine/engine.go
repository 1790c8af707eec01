// Package templateengine renders protocol server configs from a typed
// context built by a ProtocolAdapter (spec.md §4.4). Each template name maps
// to one Go struct; a template referencing a field the context does not
// carry fails at render time as ConfigInvalid rather than silently
// producing a blank value, the text/template equivalent of the "wrong-typed
// fields are compile-time errors" contract.
package templateengine

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/cuemby/vpnforge/pkg/apperr"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Name identifies a named template bundled with the engine.
type Name string

const (
	NameVless       Name = "vless"
	NameShadowsocks Name = "shadowsocks"
	NameWireguard   Name = "wireguard"
	NameHTTPProxy   Name = "httpproxy"
	NameSocks5Proxy Name = "socks5proxy"
)

var filenames = map[Name]string{
	NameVless:       "vless.json.tmpl",
	NameShadowsocks: "shadowsocks.json.tmpl",
	NameWireguard:   "wireguard.conf.tmpl",
	NameHTTPProxy:   "httpproxy.conf.tmpl",
	NameSocks5Proxy: "socks5proxy.conf.tmpl",
}

// Engine loads named templates from the embedded bundle once at
// construction and renders them against a typed context thereafter.
type Engine struct {
	templates map[Name]*template.Template
}

// New parses every bundled template eagerly, so a malformed template bundle
// fails at startup rather than on the first render.
func New() (*Engine, error) {
	e := &Engine{templates: make(map[Name]*template.Template, len(filenames))}
	for name, filename := range filenames {
		raw, err := templateFS.ReadFile("templates/" + filename)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindNotFound, "TemplateEngine", fmt.Errorf("load %s: %w", filename, err))
		}
		tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfigInvalid, "TemplateEngine", fmt.Errorf("parse %s: %w", filename, err))
		}
		e.templates[name] = tmpl
	}
	return e, nil
}

// Render executes the named template against context, which must be the
// exact typed struct that template expects (VlessContext for NameVless, and
// so on). Output encoding is UTF-8 with no locale-dependent formatting,
// matching spec.md §4.4's byte-preservation contract.
func (e *Engine) Render(name Name, context any) (string, error) {
	tmpl, ok := e.templates[name]
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "TemplateEngine", "template %q not found", name)
	}
	if err := validateContext(name, context); err != nil {
		return "", err
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, context); err != nil {
		return "", apperr.Wrap(apperr.KindConfigInvalid, "TemplateEngine", fmt.Errorf("render %s: %w", name, err))
	}
	return buf.String(), nil
}

// validateContext rejects a context value of the wrong Go type before
// executing the template, surfacing InvalidInput instead of a confusing
// text/template field-access error.
func validateContext(name Name, context any) error {
	var ok bool
	switch name {
	case NameVless:
		_, ok = context.(VlessContext)
	case NameShadowsocks:
		_, ok = context.(ShadowsocksContext)
	case NameWireguard:
		_, ok = context.(WireguardContext)
	case NameHTTPProxy:
		_, ok = context.(HTTPProxyContext)
	case NameSocks5Proxy:
		_, ok = context.(Socks5Context)
	default:
		return apperr.New(apperr.KindNotFound, "TemplateEngine", "template %q not found", name)
	}
	if !ok {
		return apperr.New(apperr.KindInvalidInput, "TemplateEngine", "context type mismatch for template %q", name)
	}
	return nil
}
