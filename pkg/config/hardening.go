package config

import (
	"fmt"
	"strings"
)

// ValidateProduction enforces transport security in production-like
// environments unless StrictProdSecurity is off.
func (c Config) ValidateProduction() error {
	if !IsProductionLike(c.Environment) || !c.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(c.Service)
	if service == "" {
		service = "service"
	}
	if !c.Database.RequireTLS {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(c.Redis.Addr) != "" {
		if !c.Redis.RequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if c.Redis.TLSInsecure || c.Redis.AllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if c.HTTP.CORSAllowedOrigins != "" {
		if err := validateCORSOrigins(c.HTTP.CORSAllowedOrigins, service); err != nil {
			return err
		}
	}
	if c.Keys.SigningKeyB64 == "" && c.Keys.SigningKeyPath == "" {
		return fmt.Errorf("%s: strict production hardening requires SIGNING_KEY_B64 or SIGNING_KEY_PATH", service)
	}
	if c.S3.Endpoint != "" && !c.S3.UseTLS {
		return fmt.Errorf("%s: strict production hardening requires S3_USE_TLS=true", service)
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	return nil
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
