package cache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// KeyPrefix is prepended to every derived key.
const KeyPrefix = "oc"

// ErrKeyDerivation matches every KeyDerivationError.
var ErrKeyDerivation = errors.New("key derivation failed")

// KeyDerivationError reports a descriptor that cannot be normalized into a key.
type KeyDerivationError struct {
	Field  string
	Reason string
}

func (e *KeyDerivationError) Error() string {
	return fmt.Sprintf("derive cache key: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrKeyDerivation.
func (e *KeyDerivationError) Is(target error) bool {
	return target == ErrKeyDerivation
}

// Validators carry the conditional request values of a cached entry.
// They are set by the policy engine for revalidation and never take part
// in key derivation.
type Validators struct {
	ETag         string
	LastModified time.Time
}

// IsZero reports whether no validator is present.
func (v Validators) IsZero() bool {
	return v.ETag == "" && v.LastModified.IsZero()
}

// RequestDescriptor is the logical identity of a retrieval operation.
type RequestDescriptor struct {
	// Method is the request method; empty means GET
	Method string

	// Path is the resource path (e.g. "/categories")
	Path string

	// PathParams are substituted path parameters (e.g. {"id": "42"})
	PathParams map[string]string

	// Query holds the query parameters
	Query url.Values

	// Headers are the request headers sent to the transport
	Headers http.Header

	// KeyHeaders names the headers whose values take part in the key
	KeyHeaders []string

	// Scope separates per-identity data such as a user id ("" for shared data)
	Scope string

	// Validators are filled in by the engine when revalidating a stale entry
	Validators Validators
}

// MethodOrDefault returns the request method, defaulting to GET.
func (d RequestDescriptor) MethodOrDefault() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(d.Method)
}

// DeriveKey generates a deterministic cache key string.
// Format: oc:METHOD:path:p.name=val:q.name=val:h.name=val:scope=val
//
// Example:
//
//	oc:GET:v1/categories:q.lang=en:q.page=1
//
// Path parameters, query parameters (and their values) and key headers are
// sorted, so two semantically identical descriptors yield the same key
// regardless of input ordering. Components are query-escaped so separators
// inside values cannot collide.
func DeriveKey(d RequestDescriptor) (string, error) {
	method := d.MethodOrDefault()
	if method != http.MethodGet && method != http.MethodHead {
		return "", &KeyDerivationError{Field: "method", Reason: fmt.Sprintf("%s is not a cacheable retrieval", method)}
	}

	normalized, err := normalizePath(d.Path)
	if err != nil {
		return "", err
	}

	parts := []string{KeyPrefix, method, normalized}

	if len(d.PathParams) > 0 {
		names := make([]string, 0, len(d.PathParams))
		for name := range d.PathParams {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if err := checkComponent("path param", name, d.PathParams[name]); err != nil {
				return "", err
			}
			parts = append(parts, "p."+escape(name)+"="+escape(d.PathParams[name]))
		}
	}

	if len(d.Query) > 0 {
		names := make([]string, 0, len(d.Query))
		for name := range d.Query {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			values := append([]string(nil), d.Query[name]...)
			sort.Strings(values)
			if len(values) == 0 {
				values = []string{""}
			}
			for _, v := range values {
				if err := checkComponent("query param", name, v); err != nil {
					return "", err
				}
				parts = append(parts, "q."+escape(name)+"="+escape(v))
			}
		}
	}

	if len(d.KeyHeaders) > 0 {
		names := make([]string, 0, len(d.KeyHeaders))
		seen := make(map[string]struct{}, len(d.KeyHeaders))
		for _, name := range d.KeyHeaders {
			canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
			if canonical == "" {
				return "", &KeyDerivationError{Field: "key header", Reason: "empty header name"}
			}
			if _, dup := seen[canonical]; dup {
				continue
			}
			seen[canonical] = struct{}{}
			names = append(names, canonical)
		}
		sort.Strings(names)

		for _, name := range names {
			value := strings.Join(d.Headers.Values(name), ",")
			if err := checkComponent("key header", name, value); err != nil {
				return "", err
			}
			parts = append(parts, "h."+escape(strings.ToLower(name))+"="+escape(value))
		}
	}

	if d.Scope != "" {
		if !utf8.ValidString(d.Scope) {
			return "", &KeyDerivationError{Field: "scope", Reason: "not valid UTF-8"}
		}
		parts = append(parts, "scope="+escape(d.Scope))
	}

	return strings.Join(parts, ":"), nil
}

// normalizePath cleans the path and strips leading and trailing slashes.
func normalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", &KeyDerivationError{Field: "path", Reason: "path is required"}
	}
	if !utf8.ValidString(p) {
		return "", &KeyDerivationError{Field: "path", Reason: "not valid UTF-8"}
	}
	if strings.ContainsAny(p, "?#") {
		return "", &KeyDerivationError{Field: "path", Reason: "path must not carry a query or fragment"}
	}
	if hasControl(p) {
		return "", &KeyDerivationError{Field: "path", Reason: "contains control characters"}
	}
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	return escapePath(cleaned), nil
}

func checkComponent(field, name, value string) error {
	if name == "" {
		return &KeyDerivationError{Field: field, Reason: "empty name"}
	}
	if !utf8.ValidString(name) || !utf8.ValidString(value) {
		return &KeyDerivationError{Field: field, Reason: fmt.Sprintf("%q is not valid UTF-8", name)}
	}
	if hasControl(name) || hasControl(value) {
		return &KeyDerivationError{Field: field, Reason: fmt.Sprintf("%q contains control characters", name)}
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

func escape(s string) string {
	return url.QueryEscape(s)
}

// escapePath escapes each segment but keeps the slashes readable.
func escapePath(p string) string {
	if p == "" {
		return ""
	}
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.ReplaceAll(strings.Join(segments, "/"), ":", "%3A")
}
