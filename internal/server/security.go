package server

import "net/http"

const (
	defaultFrameAncestors          = "'none'"
	defaultFrameOptions            = "DENY"
	defaultReferrerPolicy          = "no-referrer"
	defaultPermissionsPolicy       = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions      = "nosniff"
	defaultCrossOriginOpenerPolicy = "same-origin"
	defaultStrictTransportSecurity = "max-age=15552000; includeSubDomains"
)

// SecurityConfig controls the HTTP response headers that harden the gateway
// against clickjacking, MIME sniffing, referrer leakage, and unintended
// resource loading. Zero-valued fields fall back to safe defaults.
// StrictTransportSecurity is only sent when the gateway terminates TLS.
type SecurityConfig struct {
	ContentSecurityPolicy   string
	FrameAncestors          string
	FrameOptions            string
	ReferrerPolicy          string
	PermissionsPolicy       string
	ContentTypeOptions      string
	CrossOriginOpenerPolicy string
	StrictTransportSecurity string
}

func defaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		ContentSecurityPolicy:   defaultContentSecurityPolicy(defaultFrameAncestors),
		FrameAncestors:          defaultFrameAncestors,
		FrameOptions:            defaultFrameOptions,
		ReferrerPolicy:          defaultReferrerPolicy,
		PermissionsPolicy:       defaultPermissionsPolicy,
		ContentTypeOptions:      defaultContentTypeOptions,
		CrossOriginOpenerPolicy: defaultCrossOriginOpenerPolicy,
		StrictTransportSecurity: defaultStrictTransportSecurity,
	}
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	defaults := defaultSecurityConfig()

	if cfg.FrameAncestors == "" {
		cfg.FrameAncestors = defaults.FrameAncestors
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaults.FrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaults.ReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaults.PermissionsPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaults.ContentTypeOptions
	}
	if cfg.CrossOriginOpenerPolicy == "" {
		cfg.CrossOriginOpenerPolicy = defaults.CrossOriginOpenerPolicy
	}
	if cfg.StrictTransportSecurity == "" {
		cfg.StrictTransportSecurity = defaults.StrictTransportSecurity
	}
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy(cfg.FrameAncestors)
	}

	return cfg
}

// The browser bundle ships no inline scripts or styles, so 'self' suffices.
func defaultContentSecurityPolicy(frameAncestors string) string {
	value := frameAncestors
	if value == "" {
		value = defaultFrameAncestors
	}

	return "default-src 'self'; " +
		"connect-src 'self'; " +
		"img-src 'self' data:; " +
		"script-src 'self'; " +
		"style-src 'self'; " +
		"font-src 'self'; " +
		"object-src 'none'; " +
		"base-uri 'self'; " +
		"frame-ancestors " + value + "; " +
		"form-action 'self'"
}

func securityHeadersMiddleware(cfg SecurityConfig) func(http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			header.Set("X-Frame-Options", effective.FrameOptions)
			header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
			header.Set("Referrer-Policy", effective.ReferrerPolicy)
			header.Set("Permissions-Policy", effective.PermissionsPolicy)
			header.Set("Cross-Origin-Opener-Policy", effective.CrossOriginOpenerPolicy)
			header.Set("X-DNS-Prefetch-Control", "off")
			if r.TLS != nil {
				header.Set("Strict-Transport-Security", effective.StrictTransportSecurity)
			}

			next.ServeHTTP(w, r)
		})
	}
}
