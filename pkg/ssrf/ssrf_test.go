package ssrf

import (
	"context"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fixtureResolver maps hostnames to fixed addresses.
type fixtureResolver struct {
	hosts map[string][]netip.Addr
}

func (r *fixtureResolver) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	addrs, ok := r.hosts[host]
	if !ok {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	return addrs, nil
}

func TestValidateLiteralAddresses(t *testing.T) {
	v := NewValidator()
	ctx := context.Background()

	tests := []struct {
		name    string
		url     string
		blocked bool
	}{
		{"public v4", "https://93.184.216.34/hook", false},
		{"loopback", "https://127.0.0.1/hook", true},
		{"rfc1918 10", "http://10.1.2.3/hook", true},
		{"rfc1918 172", "http://172.16.0.1/hook", true},
		{"rfc1918 192", "http://192.168.1.1/hook", true},
		{"link local", "http://169.254.169.254/latest/meta-data", true},
		{"cgnat", "http://100.64.0.1/hook", true},
		{"v6 loopback", "http://[::1]/hook", true},
		{"v6 unique local", "http://[fd00::1]/hook", true},
		{"v4 mapped v6 loopback", "http://[::ffff:127.0.0.1]/hook", true},
		{"public v6", "http://[2606:2800:220:1:248:1893:25c8:1946]/hook", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(ctx, tt.url)
			if tt.blocked {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSchemesAndHostnames(t *testing.T) {
	v := NewValidator()
	ctx := context.Background()

	assert.Error(t, v.Validate(ctx, "ftp://example.com/hook"))
	assert.Error(t, v.Validate(ctx, "file:///etc/passwd"))
	assert.Error(t, v.Validate(ctx, "https://localhost/hook"))
	assert.Error(t, v.Validate(ctx, "https://metadata.google.internal/computeMetadata"))
	assert.Error(t, v.Validate(ctx, "https://kubernetes.default.svc/api"))
	assert.Error(t, v.Validate(ctx, "https:///nohost"))
	assert.Error(t, v.Validate(ctx, "://not-a-url"))
}

func TestValidateResolvedAddresses(t *testing.T) {
	resolver := &fixtureResolver{hosts: map[string][]netip.Addr{
		"hooks.example.com": {netip.MustParseAddr("93.184.216.34")},
		"rebind.example.com": {
			netip.MustParseAddr("93.184.216.34"),
			netip.MustParseAddr("10.0.0.5"),
		},
		"empty.example.com": {},
	}}
	v := NewValidatorWithResolver(resolver)
	ctx := context.Background()

	assert.NoError(t, v.Validate(ctx, "https://hooks.example.com/hook"))

	// One private record among public ones fails the whole URL.
	assert.Error(t, v.Validate(ctx, "https://rebind.example.com/hook"))

	assert.Error(t, v.Validate(ctx, "https://empty.example.com/hook"))
	assert.Error(t, v.Validate(ctx, "https://unknown.example.com/hook"))
}
